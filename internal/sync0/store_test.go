package sync0

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDescriptor(url string) RequestDescriptor {
	return RequestDescriptor{Method: http.MethodGet, URL: url, Class: ClassStatic}
}

func okSnapshot(body string) ResponseSnapshot {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return ResponseSnapshot{Status: 200, Header: h, Body: []byte(body)}
}

func TestStorePutGet(t *testing.T) {
	s := newTestStore(t)
	desc := testDescriptor("http://origin.local/app.js")

	if err := s.Put("static-v1", desc, okSnapshot("console.log(1)")); err != nil {
		t.Fatalf("put: %v", err)
	}
	ent, ok := s.Get("static-v1", desc)
	if !ok {
		t.Fatal("expected entry")
	}
	if string(ent.Snapshot.Body) != "console.log(1)" {
		t.Fatalf("unexpected body %q", ent.Snapshot.Body)
	}
	if ent.Snapshot.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("header not preserved: %v", ent.Snapshot.Header)
	}
	if ent.StoredAt == 0 {
		t.Fatal("expected storedAt set")
	}
}

func TestStoreGetMissIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.Get("static-v1", testDescriptor("http://origin.local/nope")); ok {
		t.Fatal("expected miss")
	}
}

func TestStoreOverwriteLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	desc := testDescriptor("http://origin.local/app.js")

	if err := s.Put("static-v1", desc, okSnapshot("old")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put("static-v1", desc, okSnapshot("new")); err != nil {
		t.Fatalf("put: %v", err)
	}
	ent, _ := s.Get("static-v1", desc)
	if string(ent.Snapshot.Body) != "new" {
		t.Fatalf("expected last write to win, got %q", ent.Snapshot.Body)
	}
	if n := s.EntryCount("static-v1"); n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
}

func TestStorePutRejectsNonSuccess(t *testing.T) {
	s := newTestStore(t)
	desc := testDescriptor("http://origin.local/app.js")

	snap := okSnapshot("not found")
	snap.Status = 404
	if err := s.Put("static-v1", desc, snap); err != ErrNotCacheable {
		t.Fatalf("expected ErrNotCacheable, got %v", err)
	}
	if _, ok := s.Get("static-v1", desc); ok {
		t.Fatal("non-2xx response must not be stored")
	}
}

func TestStoreActivateSweep(t *testing.T) {
	s := newTestStore(t)
	d1 := testDescriptor("http://origin.local/a")
	d2 := testDescriptor("http://origin.local/b")

	for _, tier := range []string{"static-v1", "dynamic-v1", "api-v1", "static-v2", "dynamic-v2", "api-v2"} {
		if err := s.Put(tier, d1, okSnapshot("x")); err != nil {
			t.Fatalf("put %s: %v", tier, err)
		}
	}
	if err := s.Put("static-v2", d2, okSnapshot("y")); err != nil {
		t.Fatalf("put: %v", err)
	}

	deleted := s.ActivateSweep([]string{"static-v2", "dynamic-v2", "api-v2"})
	if deleted != 3 {
		t.Fatalf("expected 3 stale tiers deleted, got %d", deleted)
	}
	for _, tier := range []string{"static-v1", "dynamic-v1", "api-v1"} {
		if _, ok := s.Get(tier, d1); ok {
			t.Fatalf("tier %s should be gone", tier)
		}
	}
	if _, ok := s.Get("static-v2", d1); !ok {
		t.Fatal("current tier entry should survive the sweep")
	}
	if _, ok := s.Get("static-v2", d2); !ok {
		t.Fatal("current tier entry should survive the sweep")
	}
	if len(s.Tiers()) != 3 {
		t.Fatalf("expected 3 tiers, got %v", s.Tiers())
	}
}

func TestStoreSweepIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put("static-v1", testDescriptor("http://origin.local/a"), okSnapshot("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	current := []string{"static-v2", "dynamic-v2", "api-v2"}
	s.ActivateSweep(current)
	if deleted := s.ActivateSweep(current); deleted != 0 {
		t.Fatalf("second sweep should delete nothing, got %d", deleted)
	}
}

func TestStorePurgeAll(t *testing.T) {
	s := newTestStore(t)
	for _, tier := range []string{"static-v1", "api-v1"} {
		if err := s.Put(tier, testDescriptor("http://origin.local/a"), okSnapshot("x")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := s.PurgeAll(); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if tiers := s.Tiers(); len(tiers) != 0 {
		t.Fatalf("expected no tiers after purge, got %v", tiers)
	}
	// Purging an empty store is a no-op.
	if err := s.PurgeAll(); err != nil {
		t.Fatalf("second purge: %v", err)
	}
}

func primeFetcher(origin string, client *http.Client) FetchFunc {
	return func(ctx context.Context, p string) (RequestDescriptor, ResponseSnapshot, error) {
		desc := RequestDescriptor{Method: http.MethodGet, URL: origin + p, Class: ClassStatic}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
		if err != nil {
			return desc, ResponseSnapshot{}, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return desc, ResponseSnapshot{}, err
		}
		defer resp.Body.Close()
		snap, err := snapshotResponse(resp)
		return desc, snap, err
	}
}

func TestInstallPrimeSkipsFailures(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.css" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("asset:" + r.URL.Path))
	}))
	defer origin.Close()

	s := newTestStore(t)
	stored, skipped := s.InstallPrime(context.Background(), "static-v1",
		[]string{"/", "/app.js", "/broken.css"}, primeFetcher(origin.URL, origin.Client()))
	if stored != 2 || skipped != 1 {
		t.Fatalf("expected stored=2 skipped=1, got %d/%d", stored, skipped)
	}
	if _, ok := s.Get("static-v1", testDescriptor(origin.URL+"/app.js")); !ok {
		t.Fatal("expected /app.js primed")
	}
	if _, ok := s.Get("static-v1", testDescriptor(origin.URL+"/broken.css")); ok {
		t.Fatal("failed resource must not be stored")
	}
}

func TestInstallPrimeIdempotent(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset"))
	}))
	defer origin.Close()

	s := newTestStore(t)
	manifest := []string{"/", "/app.js"}
	fetch := primeFetcher(origin.URL, origin.Client())

	s.InstallPrime(context.Background(), "static-v1", manifest, fetch)
	first := s.EntryCount("static-v1")
	s.InstallPrime(context.Background(), "static-v1", manifest, fetch)

	if got := s.EntryCount("static-v1"); got != first {
		t.Fatalf("expected same entry count after second prime, got %d != %d", got, first)
	}
	if first != len(manifest) {
		t.Fatalf("expected %d entries, got %d", len(manifest), first)
	}
}
