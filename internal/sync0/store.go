package sync0

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store holds the versioned cache tiers. Keys:
//
//	t:<tier>           tier namespace record
//	e:<tier>:<desckey> cache entry
//
// Values are gob-encoded, matching the queue's on-disk format.
type Store struct {
	db *leveldb.DB
}

type tierMeta struct {
	CreatedAt int64
}

// ErrNotCacheable is returned by Put for responses outside the 2xx range.
var ErrNotCacheable = fmt.Errorf("response not cacheable")

// FetchFunc fetches one origin path for InstallPrime.
type FetchFunc func(ctx context.Context, path string) (RequestDescriptor, ResponseSnapshot, error)

func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func tierKey(tier string) []byte { return []byte("t:" + tier) }

func entryKey(tier, descKey string) []byte { return []byte("e:" + tier + ":" + descKey) }

func entryPrefix(tier string) []byte { return []byte("e:" + tier + ":") }

// Put stores a successful response snapshot; last write wins within a tier.
// The tier namespace record is created on first write.
func (s *Store) Put(tier string, desc RequestDescriptor, snap ResponseSnapshot) error {
	if !snap.OK() {
		return ErrNotCacheable
	}
	ent := CacheEntry{Snapshot: snap, StoredAt: time.Now().Unix()}
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	if has, _ := s.db.Has(tierKey(tier), nil); !has {
		mb, err := encodeGob(tierMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return err
		}
		batch.Put(tierKey(tier), mb)
	}
	batch.Put(entryKey(tier, desc.Key()), b)
	return s.db.Write(batch, nil)
}

// Get returns the cached entry for the descriptor, if any. A miss is not an
// error.
func (s *Store) Get(tier string, desc RequestDescriptor) (CacheEntry, bool) {
	b, err := s.db.Get(entryKey(tier, desc.Key()), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

func (s *Store) Delete(tier string, desc RequestDescriptor) error {
	return s.db.Delete(entryKey(tier, desc.Key()), nil)
}

// Tiers lists every tier namespace present on disk.
func (s *Store) Tiers() []string {
	it := s.db.NewIterator(util.BytesPrefix([]byte("t:")), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("t:"))))
	}
	return out
}

// EntryCount returns the number of entries stored in a tier.
func (s *Store) EntryCount(tier string) int {
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(tier)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// SizeBytes is the approximate on-disk size of the store.
func (s *Store) SizeBytes() int64 {
	sizes, err := s.db.SizeOf([]util.Range{{Start: nil, Limit: nil}})
	if err != nil {
		return 0
	}
	return sizes.Sum()
}

// InstallPrime eagerly fetches and stores a manifest of resources into a
// tier. Individual fetch failures are logged and skipped; they never fail the
// install. The tier namespace record is created even if every fetch fails so
// the tier still participates in version sweeps.
func (s *Store) InstallPrime(ctx context.Context, tier string, paths []string, fetch FetchFunc) (stored, skipped int) {
	if has, _ := s.db.Has(tierKey(tier), nil); !has {
		if mb, err := encodeGob(tierMeta{CreatedAt: time.Now().Unix()}); err == nil {
			_ = s.db.Put(tierKey(tier), mb, nil)
		}
	}
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return stored, skipped
		default:
		}
		desc, snap, err := fetch(ctx, p)
		if err != nil {
			log.Printf("installPrime: skip %q: %v", p, err)
			skipped++
			continue
		}
		if !snap.OK() {
			log.Printf("installPrime: skip %q: status %d", p, snap.Status)
			skipped++
			continue
		}
		if err := s.Put(tier, desc, snap); err != nil {
			log.Printf("installPrime: store %q: %v", p, err)
			skipped++
			continue
		}
		stored++
	}
	return stored, skipped
}

// ActivateSweep deletes every tier namespace whose name is not in current.
// Deletions are best-effort: a failure on one stale tier is logged and does
// not block the others.
func (s *Store) ActivateSweep(current []string) (deleted int) {
	keep := make(map[string]struct{}, len(current))
	for _, name := range current {
		keep[name] = struct{}{}
	}
	for _, name := range s.Tiers() {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := s.deleteTier(name); err != nil {
			log.Printf("activateSweep: delete tier %q: %v", name, err)
			continue
		}
		deleted++
	}
	return deleted
}

// PurgeAll deletes every tier namespace, current ones included.
func (s *Store) PurgeAll() error {
	var firstErr error
	for _, name := range s.Tiers() {
		if err := s.deleteTier(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) deleteTier(name string) error {
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(tierKey(name))
	return s.db.Write(batch, nil)
}
