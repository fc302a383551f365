package sync0

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Replayer drains the durable queue against the origin when the host signals
// a sync opportunity. It never polls on a timer. A single drain loop is the
// only writer that removes or retries items, which serializes replay per id.
type Replayer struct {
	queue  *Queue
	client *http.Client

	wakeCh  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	failLog *rateLimitedLogger

	drainMu sync.Mutex
}

func NewReplayer(queue *Queue, client *http.Client) *Replayer {
	return &Replayer{
		queue:   queue,
		client:  client,
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		failLog: newRateLimitedLogger(1 * time.Minute),
	}
}

// Start launches the drain loop.
func (r *Replayer) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stopCh:
				return
			case <-r.wakeCh:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if _, _, err := r.Drain(ctx); err != nil {
					log.Printf("replay: drain: %v", err)
				}
				cancel()
			}
		}
	}()
}

func (r *Replayer) Close() {
	close(r.stopCh)
	r.wg.Wait()
}

// Notify signals a sync opportunity. Non-blocking; signals coalesce.
func (r *Replayer) Notify() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Drain runs one replay cycle: every pending item is attempted in insertion
// order, best-effort. A failed item keeps its position for the next cycle and
// does not block the items behind it.
func (r *Replayer) Drain(ctx context.Context) (replayed, failed int, err error) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	items, err := r.queue.DrainAll()
	if err != nil {
		return 0, 0, err
	}
	for _, item := range items {
		select {
		case <-ctx.Done():
			return replayed, failed, ctx.Err()
		case <-r.stopCh:
			return replayed, failed, nil
		default:
		}
		if err := r.replayOne(ctx, item); err != nil {
			failed++
			continue
		}
		replayed++
	}
	return replayed, failed, nil
}

// replayOne re-issues the original write. The item is removed only on a
// confirmed 2xx; any other outcome increments attempts and leaves it queued.
func (r *Replayer) replayOne(ctx context.Context, item PendingSyncItem) error {
	req, err := http.NewRequestWithContext(ctx, item.Method, item.URL, bytes.NewReader(item.Body))
	if err != nil {
		return r.markFailed(item, err)
	}
	copyHeaders(req.Header, item.Header)

	resp, err := r.client.Do(req)
	if err != nil {
		return r.markFailed(item, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return r.markFailed(item, fmt.Errorf("status %d", resp.StatusCode))
	}

	if err := r.queue.Remove(item.ID); err != nil {
		// Removal failure must be loud: the write succeeded but is still
		// queued and will be replayed again.
		log.Printf("replay: item %d delivered but not removed: %v", item.ID, err)
		return err
	}
	return nil
}

func (r *Replayer) markFailed(item PendingSyncItem, cause error) error {
	attempts, err := r.queue.BumpAttempts(item.ID)
	if err != nil {
		log.Printf("replay: item %d: bump attempts: %v", item.ID, err)
		return cause
	}
	r.failLog.Printf("replay: item %d (%s %s) failed, attempts=%d: %v",
		item.ID, item.Method, item.URL, attempts, cause)
	return cause
}
