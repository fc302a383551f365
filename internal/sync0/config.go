package sync0

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Listen string `yaml:"listen"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Dir string `yaml:"dir"`
		Max string `yaml:"max"`

		maxBytes int64
	} `yaml:"storage"`

	Cache struct {
		Version          string   `yaml:"version"`
		StaticAssets     []string `yaml:"static_assets"`
		APIPrefixes      []string `yaml:"api_prefixes"`
		APIEndpoints     []string `yaml:"api_endpoints"`
		StaticExtensions []string `yaml:"static_extensions"`
		ImageExtensions  []string `yaml:"image_extensions"`
	} `yaml:"cache"`

	Sync struct {
		DeferWrites bool `yaml:"defer_writes"`
	} `yaml:"sync"`

	Fallbacks []FallbackEntry `yaml:"fallbacks"`

	Logging struct {
		StatsEvery string `yaml:"stats_every"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Notify struct {
		AppName string `yaml:"app_name"`
	} `yaml:"notify"`
}

// envOverrides are applied on top of the YAML file.
type envOverrides struct {
	Listen  string `env:"SYNC0_LISTEN"`
	Origin  string `env:"SYNC0_ORIGIN"`
	DataDir string `env:"SYNC0_DATA_DIR"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return finishConfig(cfg)
}

func finishConfig(cfg Config) (Config, error) {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if ov.Listen != "" {
		cfg.Server.Listen = ov.Listen
	}
	if ov.Origin != "" {
		cfg.Server.Origin = ov.Origin
	}
	if ov.DataDir != "" {
		cfg.Storage.Dir = ov.DataDir
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8090"
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("server.origin must be an absolute http(s) URL, got %q", cfg.Server.Origin)
	}

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./data"
	}
	if cfg.Storage.Max != "" {
		n, err := parseBytes(cfg.Storage.Max)
		if err != nil {
			return Config{}, fmt.Errorf("storage.max: %w", err)
		}
		cfg.Storage.maxBytes = n
	}

	if cfg.Cache.Version == "" {
		return Config{}, fmt.Errorf("cache.version is required")
	}
	if len(cfg.Cache.StaticExtensions) == 0 {
		cfg.Cache.StaticExtensions = []string{".js", ".css", ".html", ".json"}
	}
	if len(cfg.Cache.ImageExtensions) == 0 {
		cfg.Cache.ImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico"}
	}
	for i, p := range cfg.Cache.APIPrefixes {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return Config{}, fmt.Errorf("cache.api_prefixes[%d]: prefix %q must start with /", i, p)
		}
		cfg.Cache.APIPrefixes[i] = p
	}
	for i := range cfg.Cache.StaticExtensions {
		cfg.Cache.StaticExtensions[i] = strings.ToLower(strings.TrimSpace(cfg.Cache.StaticExtensions[i]))
	}
	for i := range cfg.Cache.ImageExtensions {
		cfg.Cache.ImageExtensions[i] = strings.ToLower(strings.TrimSpace(cfg.Cache.ImageExtensions[i]))
	}

	for i, f := range cfg.Fallbacks {
		if !strings.HasPrefix(strings.TrimSpace(f.Prefix), "/") {
			return Config{}, fmt.Errorf("fallbacks[%d].prefix: %q must start with /", i, f.Prefix)
		}
		cfg.Fallbacks[i].Prefix = strings.TrimSpace(f.Prefix)
	}

	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return Config{}, fmt.Errorf("logging.stats_every: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}

	if cfg.Notify.AppName == "" {
		cfg.Notify.AppName = "sync0"
	}

	return cfg, nil
}

// TierNames returns the current tier namespaces, one per family.
func (c *Config) TierNames() []string {
	v := c.Cache.Version
	return []string{
		tierName(TierStatic, v),
		tierName(TierDynamic, v),
		tierName(TierAPI, v),
	}
}

func (c *Config) staticTier() string  { return tierName(TierStatic, c.Cache.Version) }
func (c *Config) dynamicTier() string { return tierName(TierDynamic, c.Cache.Version) }
func (c *Config) apiTier() string     { return tierName(TierAPI, c.Cache.Version) }
