package sync0

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Queue is the durable store of pending outbound writes. Items are keyed by
// an auto-incrementing id encoded big-endian so LevelDB iteration order is
// insertion order. Storage failures are returned, never swallowed: silently
// losing a pending write is a correctness violation.
type Queue struct {
	db *leveldb.DB

	mu     sync.Mutex
	nextID uint64
}

var (
	queueSeqKey    = []byte("seq")
	queueItemSpace = []byte("i:")
)

func queueItemKey(id uint64) []byte {
	k := make([]byte, len(queueItemSpace)+8)
	copy(k, queueItemSpace)
	binary.BigEndian.PutUint64(k[len(queueItemSpace):], id)
	return k
}

func OpenQueue(path string) (*Queue, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	q := &Queue{db: db, nextID: 1}
	if b, err := db.Get(queueSeqKey, nil); err == nil && len(b) == 8 {
		q.nextID = binary.BigEndian.Uint64(b)
	}
	return q, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue appends an item with attempts = 0 and returns its assigned id.
func (q *Queue) Enqueue(item PendingSyncItem) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.ID = q.nextID
	item.Attempts = 0
	if item.EnqueuedAt == 0 {
		item.EnqueuedAt = time.Now().Unix()
	}
	b, err := encodeGob(item)
	if err != nil {
		return 0, err
	}

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, q.nextID+1)

	batch := new(leveldb.Batch)
	batch.Put(queueItemKey(item.ID), b)
	batch.Put(queueSeqKey, seq)
	if err := q.db.Write(batch, nil); err != nil {
		return 0, err
	}
	q.nextID++
	return item.ID, nil
}

// DrainAll returns a snapshot of all pending items in insertion order
// without removing them.
func (q *Queue) DrainAll() ([]PendingSyncItem, error) {
	it := q.db.NewIterator(util.BytesPrefix(queueItemSpace), nil)
	defer it.Release()

	var out []PendingSyncItem
	for it.Next() {
		var item PendingSyncItem
		if err := decodeGob(it.Value(), &item); err != nil {
			return nil, fmt.Errorf("decode queue item: %w", err)
		}
		out = append(out, item)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes one item by id. Only called after a confirmed successful
// replay.
func (q *Queue) Remove(id uint64) error {
	return q.db.Delete(queueItemKey(id), nil)
}

// BumpAttempts increments the stored attempt counter for an item and returns
// the new value.
func (q *Queue) BumpAttempts(id uint64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, err := q.db.Get(queueItemKey(id), nil)
	if err != nil {
		return 0, err
	}
	var item PendingSyncItem
	if err := decodeGob(b, &item); err != nil {
		return 0, err
	}
	item.Attempts++
	nb, err := encodeGob(item)
	if err != nil {
		return 0, err
	}
	if err := q.db.Put(queueItemKey(id), nb, nil); err != nil {
		return 0, err
	}
	return item.Attempts, nil
}

// Len reports the number of pending items.
func (q *Queue) Len() (int, error) {
	it := q.db.NewIterator(util.BytesPrefix(queueItemSpace), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}
