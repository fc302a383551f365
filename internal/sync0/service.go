package sync0

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Service is the intercept surface: every request from the application passes
// through it, reads go to the Strategy Dispatcher and writes either reach the
// origin or land in the durable queue.
type Service struct {
	cfg Config

	httpClient *http.Client

	store      *Store
	queue      *Queue
	dispatcher *Dispatcher
	lifecycle  *Lifecycle
	replayer   *Replayer
	gateway    *Gateway

	stats     *statsCollector
	budgetLog *rateLimitedLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config) (*Service, error) {
	store, err := OpenStore(filepath.Join(cfg.Storage.Dir, "cache"))
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	queue, err := OpenQueue(filepath.Join(cfg.Storage.Dir, "queue"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	s := &Service{
		cfg:        cfg,
		httpClient: client,
		store:      store,
		queue:      queue,
		gateway:    NewGateway(cfg.Notify.AppName, nil),
		stats:      newStatsCollector(),
		budgetLog:  newRateLimitedLogger(1 * time.Minute),
		stopCh:     make(chan struct{}),
	}
	s.dispatcher = NewDispatcher(&s.cfg, store, NewFallbackTable(cfg.Fallbacks), client)
	s.lifecycle = NewLifecycle(&s.cfg, store, client)
	s.replayer = NewReplayer(queue, client)
	return s, nil
}

// Start runs install and activation, then launches the replay loop and the
// stats loop. Activation completes before Start returns, so the first request
// dispatched never races the sweep.
func (s *Service) Start(ctx context.Context) {
	s.lifecycle.Install(ctx)
	s.lifecycle.Activate(ctx)
	s.replayer.Start()

	if every := s.cfg.Logging.statsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.replayer.Close()
	s.dispatcher.Close()
	_ = s.queue.Close()
	_ = s.store.Close()
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/-/control", s.handleControl)
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.lifecycle.Ready():
	case <-r.Context().Done():
		http.Error(w, "activating", http.StatusServiceUnavailable)
		return
	}

	if !Proxyable(r.URL) {
		s.proxyPass(w, r, markerBypass)
		return
	}

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		s.handleRead(w, r)
		return
	}
	s.handleWrite(w, r)
}

func (s *Service) handleRead(w http.ResponseWriter, r *http.Request) {
	desc := s.dispatcher.Classify(r)
	snap, marker, err := s.dispatcher.Dispatch(r.Context(), desc, r.Header)
	if err != nil {
		if err == ErrUnavailable {
			setMarker(w.Header(), markerUnavailable)
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			s.stats.Observe(markerUnavailable, 0)
			return
		}
		setMarker(w.Header(), markerBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		s.stats.Observe(markerBadGateway, 0)
		return
	}
	s.writeSnapshot(w, snap, marker)
}

// handleWrite tries the origin; on network failure the write is either queued
// for replay (when the caller opted into deferred semantics) or surfaced as a
// plain bad gateway.
func (s *Service) handleWrite(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	targetURL := s.cfg.Server.Origin + r.URL.RequestURI()

	req, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)

	resp, err := s.httpClient.Do(req)
	if err == nil {
		defer resp.Body.Close()
		snap, serr := snapshotResponse(resp)
		if serr != nil {
			setMarker(w.Header(), markerBadGateway)
			http.Error(w, "bad gateway", http.StatusBadGateway)
			s.stats.Observe(markerBadGateway, 0)
			return
		}
		s.writeSnapshot(w, snap, markerLive)
		return
	}

	if !s.deferRequested(r) {
		setMarker(w.Header(), markerBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		s.stats.Observe(markerBadGateway, 0)
		return
	}

	id, qerr := s.queue.Enqueue(PendingSyncItem{
		Method: r.Method,
		URL:    targetURL,
		Body:   body,
		Header: cloneHeader(r.Header),
	})
	if qerr != nil {
		// A write we cannot queue must not look queued.
		log.Printf("enqueue %s %s: %v", r.Method, targetURL, qerr)
		setMarker(w.Header(), markerBadGateway)
		http.Error(w, "queue unavailable", http.StatusInternalServerError)
		return
	}

	setMarker(w.Header(), markerDeferred)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "queued", "id": id})
	s.stats.Observe(markerDeferred, len(body))
}

func (s *Service) deferRequested(r *http.Request) bool {
	if s.cfg.Sync.DeferWrites {
		return true
	}
	return r.Header.Get(markerHeader+"-Defer") != ""
}

// proxyPass forwards a request verbatim without consulting any cache.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, marker string) {
	desc := RequestDescriptor{Method: r.Method, URL: s.cfg.Server.Origin + r.URL.RequestURI(), Class: ClassDynamic}
	snap, err := s.dispatcher.fetch(r.Context(), desc, r.Header)
	if err != nil {
		setMarker(w.Header(), markerBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		s.stats.Observe(markerBadGateway, 0)
		return
	}
	s.writeSnapshot(w, snap, marker)
}

func (s *Service) writeSnapshot(w http.ResponseWriter, snap ResponseSnapshot, marker string) {
	writeSnapshot(w, snap, marker)
	s.stats.Observe(marker, len(snap.Body))
}

func writeSnapshot(w http.ResponseWriter, snap ResponseSnapshot, marker string) {
	for k, vs := range snap.Header {
		if strings.EqualFold(k, markerHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setMarker(w.Header(), marker)
	w.WriteHeader(snap.Status)
	_, _ = w.Write(snap.Body)
}

func setMarker(h http.Header, marker string) {
	if marker != "" {
		h.Set(markerHeader, marker)
	}
	// In a CORS context custom headers are not readable by JS unless
	// explicitly exposed.
	ensureExposedHeader(h, markerHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			pending, _ := s.queue.Len()
			entries := 0
			for _, tier := range s.cfg.TierNames() {
				entries += s.store.EntryCount(tier)
			}
			diskUsed := uint64(s.store.SizeBytes())
			if max := s.cfg.Storage.maxBytes; max > 0 && diskUsed > uint64(max) {
				s.budgetLog.Printf("disk usage %s exceeds budget %s",
					formatBytes(diskUsed), formatBytes(uint64(max)))
			}
			line := fmt.Sprintf(
				"Entries: %d, Pending syncs: %d, Disk: %s, Hit/miss/degraded/deferred/failed %d/%d/%d/%d/%d, Resp min/avg/max %s/%s/%s",
				entries,
				pending,
				formatBytes(diskUsed),
				ss.Hits, ss.Misses, ss.Degraded, ss.Deferred, ss.Failures,
				formatBytes(ss.MinRespBytes),
				formatBytes(ss.AvgRespBytes),
				formatBytes(ss.MaxRespBytes),
			)
			if rss, ok := processRSSBytes(); ok {
				line += ", RSS: " + formatBytes(rss)
			}
			log.Print(line)
		}
	}
}
