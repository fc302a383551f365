package sync0

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector counts serving outcomes and response sizes. All counters are
// atomics; Observe is called on the request path.
type statsCollector struct {
	hits     atomic.Uint64
	misses   atomic.Uint64
	degraded atomic.Uint64 // stale, degraded and offline markers
	deferred atomic.Uint64
	failures atomic.Uint64 // unavailable and bad-gateway markers

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(marker string, respBytes int) {
	switch marker {
	case markerHit:
		s.hits.Add(1)
	case markerMiss, markerLive:
		s.misses.Add(1)
	case markerStale, markerDegraded, markerOffline:
		s.degraded.Add(1)
	case markerDeferred:
		s.deferred.Add(1)
	case markerUnavailable, markerBadGateway:
		s.failures.Add(1)
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits     uint64
	Misses   uint64
	Degraded uint64
	Deferred uint64
	Failures uint64

	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		Degraded:       s.degraded.Load(),
		Deferred:       s.deferred.Load(),
		Failures:       s.failures.Load(),
		TotalResponses: s.totalResponses.Load(),
		TotalRespBytes: s.totalRespBytes.Load(),
		MinRespBytes:   s.minRespBytes.Load(),
		MaxRespBytes:   s.maxRespBytes.Load(),
	}
	if out.TotalResponses == 0 {
		return statsSnapshot{}
	}
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.AvgRespBytes = out.TotalRespBytes / out.TotalResponses
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
