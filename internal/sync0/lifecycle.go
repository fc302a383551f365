package sync0

import (
	"context"
	"log"
	"net/http"
	"sync"
)

// Lifecycle owns tier versioning: it primes the static tier on install,
// sweeps superseded versions on activation, and backs the control-message
// operations. No request is dispatched before activation completes.
type Lifecycle struct {
	cfg    *Config
	store  *Store
	client *http.Client

	mu        sync.Mutex
	activated bool
	readyCh   chan struct{}
}

func NewLifecycle(cfg *Config, store *Store, client *http.Client) *Lifecycle {
	return &Lifecycle{
		cfg:     cfg,
		store:   store,
		client:  client,
		readyCh: make(chan struct{}),
	}
}

// Ready is closed once activation has completed.
func (m *Lifecycle) Ready() <-chan struct{} { return m.readyCh }

// Install pre-populates the static tier from the configured manifest.
// Individual failures are skipped; install itself never fails.
func (m *Lifecycle) Install(ctx context.Context) {
	paths := m.cfg.Cache.StaticAssets
	stored, skipped := m.store.InstallPrime(ctx, m.cfg.staticTier(), paths, m.fetchForPrime)
	log.Printf("install: tier %s primed, stored=%d skipped=%d", m.cfg.staticTier(), stored, skipped)
}

func (m *Lifecycle) fetchForPrime(ctx context.Context, p string) (RequestDescriptor, ResponseSnapshot, error) {
	desc := RequestDescriptor{
		Method: http.MethodGet,
		URL:    m.cfg.Server.Origin + p,
		Class:  ClassStatic,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return desc, ResponseSnapshot{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := m.client.Do(req)
	if err != nil {
		return desc, ResponseSnapshot{}, err
	}
	defer resp.Body.Close()
	snap, err := snapshotResponse(resp)
	return desc, snap, err
}

// Activate sweeps tiers from superseded versions and opens the serving gate.
// Idempotent; also the body of the SKIP_WAITING control message.
func (m *Lifecycle) Activate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activated {
		return
	}
	deleted := m.store.ActivateSweep(m.cfg.TierNames())
	log.Printf("activate: version %s current, swept %d stale tier(s)", m.cfg.Cache.Version, deleted)
	m.activated = true
	close(m.readyCh)
}

// SkipWaiting forces immediate activation. Repeat calls are no-ops.
func (m *Lifecycle) SkipWaiting(ctx context.Context) {
	m.Activate(ctx)
}

// Version reports the current cache-tier version string.
func (m *Lifecycle) Version() string { return m.cfg.Cache.Version }

// ClearCache purges every tier namespace. Purging an already-empty store is
// a no-op, so repeat calls are harmless.
func (m *Lifecycle) ClearCache() error {
	return m.store.PurgeAll()
}
