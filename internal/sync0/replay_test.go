package sync0

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingOrigin struct {
	mu       sync.Mutex
	received []string // "METHOD path:body"
	failPath string
}

func (o *recordingOrigin) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if o.failPath != "" && r.URL.Path == o.failPath {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		o.mu.Lock()
		o.received = append(o.received, r.Method+" "+r.URL.Path+":"+string(body))
		o.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
}

func (o *recordingOrigin) calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.received))
	copy(out, o.received)
	return out
}

func TestDrainReplaysInOrderAndEmptiesQueue(t *testing.T) {
	rec := &recordingOrigin{}
	origin := httptest.NewServer(rec.handler())
	defer origin.Close()

	q, _ := newTestQueue(t)
	r := NewReplayer(q, origin.Client())
	defer r.Close()

	for _, p := range []string{"/api/sensors", "/api/sensors", "/api/chat"} {
		item := pendingWrite(origin.URL + p)
		item.Body = []byte(p)
		if _, err := q.Enqueue(item); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	replayed, failed, err := r.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if replayed != 3 || failed != 0 {
		t.Fatalf("expected 3 replayed, got %d/%d", replayed, failed)
	}
	if n, _ := q.Len(); n != 0 {
		t.Fatalf("queue should be empty, has %d", n)
	}

	want := []string{"POST /api/sensors:/api/sensors", "POST /api/sensors:/api/sensors", "POST /api/chat:/api/chat"}
	got := rec.calls()
	if len(got) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replay order broken: expected %v, got %v", want, got)
		}
	}
}

func TestFailedItemKeepsPositionAndAttempts(t *testing.T) {
	rec := &recordingOrigin{failPath: "/api/flaky"}
	origin := httptest.NewServer(rec.handler())
	defer origin.Close()

	q, _ := newTestQueue(t)
	r := NewReplayer(q, origin.Client())
	defer r.Close()

	q.Enqueue(pendingWrite(origin.URL + "/api/ok1"))
	flakyID, _ := q.Enqueue(pendingWrite(origin.URL + "/api/flaky"))
	q.Enqueue(pendingWrite(origin.URL + "/api/ok2"))

	const cycles = 3
	for i := 0; i < cycles; i++ {
		if _, _, err := r.Drain(context.Background()); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}

	items, err := q.DrainAll()
	if err != nil {
		t.Fatalf("drainAll: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected only the failing item queued, got %d", len(items))
	}
	if items[0].ID != flakyID {
		t.Fatalf("wrong survivor: %+v", items[0])
	}
	if items[0].Attempts != cycles {
		t.Fatalf("expected attempts %d, got %d", cycles, items[0].Attempts)
	}

	// The failure did not block the item behind it in the first cycle.
	calls := rec.calls()
	if len(calls) != 2 {
		t.Fatalf("expected both ok items delivered once, got %v", calls)
	}
}

func TestNotifyTriggersDrain(t *testing.T) {
	rec := &recordingOrigin{}
	origin := httptest.NewServer(rec.handler())
	defer origin.Close()

	q, _ := newTestQueue(t)
	r := NewReplayer(q, origin.Client())
	r.Start()
	defer r.Close()

	if _, err := q.Enqueue(pendingWrite(origin.URL + "/api/sensors")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	r.Notify()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if n, _ := q.Len(); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("queue not drained after sync signal")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
