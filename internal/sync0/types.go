package sync0

import "net/http"

// ResourceClass is the classification tag assigned to an intercepted request.
type ResourceClass string

const (
	ClassStatic  ResourceClass = "static"
	ClassAPI     ResourceClass = "api"
	ClassImage   ResourceClass = "image"
	ClassDynamic ResourceClass = "dynamic"
)

// RequestDescriptor is the normalized identity of an interceptable request.
// Immutable once built from an incoming request.
type RequestDescriptor struct {
	Method string
	URL    string // absolute
	Class  ResourceClass
}

// Key is the storage key for the descriptor within a tier.
func (d RequestDescriptor) Key() string { return d.Method + " " + d.URL }

// ResponseSnapshot is a replayable copy of a response.
type ResponseSnapshot struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the snapshot represents a success (2xx) response.
func (s ResponseSnapshot) OK() bool { return s.Status >= 200 && s.Status < 300 }

type CacheEntry struct {
	Snapshot ResponseSnapshot
	StoredAt int64 // unix seconds
}

// PendingSyncItem is a client write that could not reach the origin and is
// queued for replay. Attempts increments on every failed replay and is never
// reset.
type PendingSyncItem struct {
	ID         uint64
	Method     string
	URL        string
	Body       []byte
	Header     http.Header
	EnqueuedAt int64 // unix seconds
	Attempts   int
}

// Tier families. A concrete tier namespace is family + "-" + version,
// e.g. "static-v2"; exactly one version per family is current at a time.
const (
	TierStatic  = "static"
	TierDynamic = "dynamic"
	TierAPI     = "api"
)

func tierName(family, version string) string { return family + "-" + version }

// markerHeader carries the serving outcome on every proxied response.
const markerHeader = "X-Sync0"

// Marker values. stale, degraded and offline indicate a degraded-but-valid
// answer; unavailable and bad-gateway are terminal failures.
const (
	markerHit         = "hit"
	markerMiss        = "miss"
	markerStale       = "stale"
	markerLive        = "live"
	markerDegraded    = "degraded"
	markerOffline     = "offline"
	markerBypass      = "bypass"
	markerDeferred    = "deferred"
	markerUnavailable = "unavailable"
	markerBadGateway  = "bad-gateway"
)
