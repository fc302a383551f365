package sync0

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable means a cache-first lookup was exhausted: no cached copy and
// no reachable network. Surfaced to the caller as a 503.
var ErrUnavailable = errors.New("no cached copy and network unreachable")

// Dispatcher classifies intercepted requests and serves them with the
// strategy for their resource class.
type Dispatcher struct {
	cfg      *Config
	store    *Store
	fallback *FallbackTable
	client   *http.Client

	bgSem  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewDispatcher(cfg *Config, store *Store, fallback *FallbackTable, client *http.Client) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		fallback: fallback,
		client:   client,
		bgSem:    make(chan struct{}, 32),
		stopCh:   make(chan struct{}),
	}
}

// Close waits for in-flight background refreshes.
func (d *Dispatcher) Close() {
	close(d.stopCh)
	d.wg.Wait()
}

// Classify builds the immutable descriptor for an incoming request. First
// match wins: static asset list or extension, then API prefix or endpoint,
// then image extension, then dynamic.
func (d *Dispatcher) Classify(r *http.Request) RequestDescriptor {
	return RequestDescriptor{
		Method: r.Method,
		URL:    d.cfg.Server.Origin + r.URL.RequestURI(),
		Class:  d.classifyPath(r.URL.Path),
	}
}

func (d *Dispatcher) classifyPath(p string) ResourceClass {
	ext := strings.ToLower(path.Ext(p))

	for _, a := range d.cfg.Cache.StaticAssets {
		if p == a {
			return ClassStatic
		}
	}
	for _, e := range d.cfg.Cache.StaticExtensions {
		if ext != "" && ext == e {
			return ClassStatic
		}
	}
	for _, pre := range d.cfg.Cache.APIPrefixes {
		if strings.HasPrefix(p, pre) {
			return ClassAPI
		}
	}
	for _, ep := range d.cfg.Cache.APIEndpoints {
		if p == ep {
			return ClassAPI
		}
	}
	for _, e := range d.cfg.Cache.ImageExtensions {
		if ext != "" && ext == e {
			return ClassImage
		}
	}
	return ClassDynamic
}

// Dispatch serves one read request. The returned marker is the X-Sync0 value
// for the response. An error is returned only on true exhaustion.
func (d *Dispatcher) Dispatch(ctx context.Context, desc RequestDescriptor, fwd http.Header) (ResponseSnapshot, string, error) {
	switch desc.Class {
	case ClassStatic, ClassImage:
		return d.cacheFirst(ctx, desc, fwd)
	case ClassAPI:
		return d.networkFirst(ctx, desc, fwd)
	default:
		return d.staleWhileRevalidate(ctx, desc, fwd)
	}
}

// cacheFirst serves from the static tier without touching the network when an
// entry exists. A network error with no cached copy is Unavailable.
func (d *Dispatcher) cacheFirst(ctx context.Context, desc RequestDescriptor, fwd http.Header) (ResponseSnapshot, string, error) {
	tier := d.cfg.staticTier()
	if ent, ok := d.store.Get(tier, desc); ok {
		return ent.Snapshot, markerHit, nil
	}
	snap, err := d.fetch(ctx, desc, fwd)
	if err != nil {
		return ResponseSnapshot{}, markerUnavailable, ErrUnavailable
	}
	if !snap.OK() {
		return snap, markerBypass, nil
	}
	if err := d.store.Put(tier, desc, snap); err != nil {
		log.Printf("cache-first: store %s: %v", desc.Key(), err)
	}
	return snap, markerMiss, nil
}

// networkFirst prefers a live answer, falls back to the api tier, then to the
// synthetic offline payload. This path never errors.
func (d *Dispatcher) networkFirst(ctx context.Context, desc RequestDescriptor, fwd http.Header) (ResponseSnapshot, string, error) {
	tier := d.cfg.apiTier()
	snap, err := d.fetch(ctx, desc, fwd)
	if err == nil && snap.OK() {
		if err := d.store.Put(tier, desc, snap); err != nil {
			log.Printf("network-first: store %s: %v", desc.Key(), err)
		}
		return snap, markerLive, nil
	}
	if ent, ok := d.store.Get(tier, desc); ok {
		return ent.Snapshot, markerDegraded, nil
	}
	return d.fallback.Generate(desc), markerOffline, nil
}

// staleWhileRevalidate serves the dynamic-tier entry immediately and refreshes
// it in the background. With no cached entry it degenerates to a passthrough.
func (d *Dispatcher) staleWhileRevalidate(ctx context.Context, desc RequestDescriptor, fwd http.Header) (ResponseSnapshot, string, error) {
	tier := d.cfg.dynamicTier()
	if ent, ok := d.store.Get(tier, desc); ok {
		d.revalidateAsync(desc, fwd)
		return ent.Snapshot, markerStale, nil
	}
	snap, err := d.fetch(ctx, desc, fwd)
	if err != nil {
		return ResponseSnapshot{}, markerBadGateway, err
	}
	if !snap.OK() {
		return snap, markerBypass, nil
	}
	if err := d.store.Put(tier, desc, snap); err != nil {
		log.Printf("stale-while-revalidate: store %s: %v", desc.Key(), err)
	}
	return snap, markerMiss, nil
}

// revalidateAsync refreshes a dynamic entry off the request path. Best-effort:
// capped by bgSem, abandoned on teardown, and the old entry stays valid until
// a successful fetch overwrites it.
func (d *Dispatcher) revalidateAsync(desc RequestDescriptor, fwd http.Header) {
	select {
	case d.bgSem <- struct{}{}:
	default:
		return
	}
	hdr := cloneHeader(fwd)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.bgSem }()
		defer cancel()

		select {
		case <-d.stopCh:
			return
		default:
		}

		snap, err := d.fetch(ctx, desc, hdr)
		if err != nil || !snap.OK() {
			return
		}
		_ = d.store.Put(d.cfg.dynamicTier(), desc, snap)
	}()
}

// fetch issues the descriptor's request against the origin and snapshots the
// response.
func (d *Dispatcher) fetch(ctx context.Context, desc RequestDescriptor, fwd http.Header) (ResponseSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, desc.Method, desc.URL, nil)
	if err != nil {
		return ResponseSnapshot{}, err
	}
	copyHeaders(req.Header, fwd)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := d.client.Do(req)
	if err != nil {
		return ResponseSnapshot{}, err
	}
	defer resp.Body.Close()
	return snapshotResponse(resp)
}

// snapshotResponse copies a live response into a replayable snapshot.
func snapshotResponse(resp *http.Response) (ResponseSnapshot, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ResponseSnapshot{}, err
	}
	snap := ResponseSnapshot{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   body,
	}
	snap.Header.Del("Content-Length")
	return snap, nil
}

// Proxyable reports whether a request URL is one the dispatcher can
// intercept; anything that is not plain http(s) passes straight to the
// network.
func Proxyable(u *url.URL) bool {
	return u.Scheme == "" || u.Scheme == "http" || u.Scheme == "https"
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
