// Package treedb implements internal/storage.KVStore over a pebble
// database: the incremental Merkle tree's state cache, with atomic
// batched writes and truncation-to-height for reorg recovery (spec.md
// §4.8 step 3).
package treedb

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/log"
)

var (
	headHeightKey   = []byte("meta/head-height")
	snapshotPrefix  = []byte("snapshot/")
)

// Store is a storage.KVStore backed by pebble. Data keys are stored as
// given, without the height that produced them; each ApplyBatch records
// only a per-height snapshot marker and the head height, which are what
// TruncateToHeight rolls back.
type Store struct {
	db  *pebble.DB
	log log.Logger
}

// Open opens (creating if absent) the pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("treedb: open %s: %w", dir, err)
	}
	return &Store{db: db, log: log.New("component", "tree-db")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ApplyBatch writes all key/value pairs produced at height in one atomic
// pebble batch, then records the new head height and a per-height
// snapshot marker so a later TruncateToHeight can find it.
func (s *Store) ApplyBatch(ctx context.Context, height uint64, writes map[string][]byte) error {
	b := s.db.NewBatch()
	defer b.Close()

	for k, v := range writes {
		if err := b.Set([]byte(k), v, nil); err != nil {
			return fmt.Errorf("treedb: stage write at height %d: %w", height, err)
		}
	}
	if err := b.Set(headHeightKey, encodeHeight(height), nil); err != nil {
		return fmt.Errorf("treedb: stage head height %d: %w", height, err)
	}
	if err := b.Set(snapshotKey(height), encodeHeight(height), nil); err != nil {
		return fmt.Errorf("treedb: stage snapshot marker %d: %w", height, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("treedb: commit batch at height %d: %w", height, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("treedb: get: %w", err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *Store) SnapshotHeight(ctx context.Context) (uint64, error) {
	v, ok, err := s.Get(ctx, headHeightKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return decodeHeight(v), nil
}

// TruncateToHeight deletes every snapshot marker above height n and sets
// the head height to n, whether or not a marker exists at n. Data keys
// written by batches above n are not deleted and keep their latest
// values.
//
// Idempotent: a second call with the same n after the first has
// completed observes head height already <= n and returns immediately.
func (s *Store) TruncateToHeight(ctx context.Context, n uint64) error {
	head, err := s.SnapshotHeight(ctx)
	if err != nil {
		return err
	}
	if head <= n {
		return nil
	}

	b := s.db.NewBatch()
	defer b.Close()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: snapshotKey(n + 1),
		UpperBound: append(append([]byte{}, snapshotPrefix...), 0xff),
	})
	if err != nil {
		return fmt.Errorf("treedb: iterate snapshots above %d: %w", n, err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := b.Delete(iter.Key(), nil); err != nil {
			return fmt.Errorf("treedb: stage snapshot delete: %w", err)
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("treedb: snapshot scan: %w", err)
	}

	if err := b.Set(headHeightKey, encodeHeight(n), nil); err != nil {
		return fmt.Errorf("treedb: stage head height reset: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("treedb: commit truncate to %d: %w", n, err)
	}
	s.log.Info("truncated tree db", "to_height", n, "was", head)
	return nil
}

func snapshotKey(height uint64) []byte {
	return append(append([]byte{}, snapshotPrefix...), encodeHeight(height)...)
}

func encodeHeight(h uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h)
	return buf
}

func decodeHeight(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
