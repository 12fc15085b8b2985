package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

const prefixCursor = "/sinkcursor/" // /sinkcursor/{sinkName} -> uint64 seq

// Cursors are tiny and rewritten constantly; keep the memtable small.
const (
	memTableSize             = 4 << 20 // 4MB
	maxConcurrentCompactions = 1
)

// CursorStore persists the last published seq of every sink in Pebble so a
// restarted worker resumes where it stopped.
type CursorStore struct {
	db   *pebble.DB
	path string

	// In-memory cursor map for fast lookups
	cursors   map[string]int64
	cursorsMu sync.RWMutex

	closed atomic.Bool
}

// NewCursorStore creates or opens the cursor database at path
func NewCursorStore(path string) (*CursorStore, error) {
	opts := &pebble.Options{
		MemTableSize:             memTableSize,
		MaxConcurrentCompactions: func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open sink cursors at %s: %w", path, err)
	}

	cs := &CursorStore{
		db:      db,
		path:    path,
		cursors: make(map[string]int64),
	}

	if err := cs.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return cs, nil
}

// loadCursors loads all cursors from Pebble into the in-memory map
func (cs *CursorStore) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := cs.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		cursor, err := decodeCursor(val)
		if err != nil {
			return fmt.Errorf("corrupted cursor for sink %s: %w", name, err)
		}
		cs.cursors[name] = cursor
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if len(cs.cursors) > 0 {
		log.Info().Int("cursors", len(cs.cursors)).Str("path", cs.path).Msg("Loaded sink cursors")
	}

	return nil
}

// GetCursor returns the last published seq for a sink, 0 for a new sink
func (cs *CursorStore) GetCursor(sinkName string) (int64, error) {
	if cs.closed.Load() {
		return 0, errors.New("cursor store is closed")
	}

	cs.cursorsMu.RLock()
	defer cs.cursorsMu.RUnlock()
	return cs.cursors[sinkName], nil
}

// AdvanceCursor records seq as the last published entry for a sink
func (cs *CursorStore) AdvanceCursor(sinkName string, seq int64) error {
	if cs.closed.Load() {
		return errors.New("cursor store is closed")
	}
	if seq < 0 {
		return fmt.Errorf("negative cursor %d", seq)
	}

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, uint64(seq))
	if err := cs.db.Set([]byte(prefixCursor+sinkName), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	cs.cursorsMu.Lock()
	cs.cursors[sinkName] = seq
	cs.cursorsMu.Unlock()

	return nil
}

// Close closes the Pebble database
func (cs *CursorStore) Close() error {
	if !cs.closed.CompareAndSwap(false, true) {
		return errors.New("cursor store already closed")
	}
	return cs.db.Close()
}

func decodeCursor(val []byte) (int64, error) {
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid cursor value length: %d", len(val))
	}
	return int64(binary.LittleEndian.Uint64(val)), nil
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
