package sync0

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync0.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  origin: "http://origin.local"
cache:
  version: "v1"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Listen != ":8090" {
		t.Fatalf("expected default listen :8090, got %q", cfg.Server.Listen)
	}
	if cfg.Storage.Dir != "./data" {
		t.Fatalf("expected default storage dir, got %q", cfg.Storage.Dir)
	}
	if len(cfg.Cache.StaticExtensions) == 0 || cfg.Cache.StaticExtensions[0] != ".js" {
		t.Fatalf("expected default static extensions, got %v", cfg.Cache.StaticExtensions)
	}
	if len(cfg.Cache.ImageExtensions) == 0 {
		t.Fatalf("expected default image extensions")
	}
	if cfg.Notify.AppName != "sync0" {
		t.Fatalf("expected default app name, got %q", cfg.Notify.AppName)
	}
}

func TestLoadConfigRequiresOrigin(t *testing.T) {
	path := writeConfigFile(t, `
cache:
  version: "v1"
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "server.origin") {
		t.Fatalf("expected origin error, got %v", err)
	}
}

func TestLoadConfigRequiresVersion(t *testing.T) {
	path := writeConfigFile(t, `
server:
  origin: "http://origin.local"
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "cache.version") {
		t.Fatalf("expected version error, got %v", err)
	}
}

func TestLoadConfigRejectsBadPrefix(t *testing.T) {
	path := writeConfigFile(t, `
server:
  origin: "http://origin.local"
cache:
  version: "v1"
  api_prefixes: ["api/"]
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "api_prefixes") {
		t.Fatalf("expected prefix error, got %v", err)
	}
}

func TestLoadConfigParsesStorageMax(t *testing.T) {
	path := writeConfigFile(t, `
server:
  origin: "http://origin.local"
cache:
  version: "v1"
storage:
  max: "2mb"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Storage.maxBytes != 2*1024*1024 {
		t.Fatalf("expected 2mb budget, got %d", cfg.Storage.maxBytes)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SYNC0_LISTEN", ":9999")
	t.Setenv("SYNC0_ORIGIN", "http://override.local")

	path := writeConfigFile(t, `
server:
  listen: ":8090"
  origin: "http://origin.local"
cache:
  version: "v1"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Listen != ":9999" {
		t.Fatalf("expected env listen override, got %q", cfg.Server.Listen)
	}
	if cfg.Server.Origin != "http://override.local" {
		t.Fatalf("expected env origin override, got %q", cfg.Server.Origin)
	}
}

func TestTierNames(t *testing.T) {
	var cfg Config
	cfg.Cache.Version = "v2"
	got := cfg.TierNames()
	want := []string{"static-v2", "dynamic-v2", "api-v2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
