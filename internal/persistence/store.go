// Package persistence provides the background persistence collaborator
// for discovered patterns and phonemes.
//
// The core never blocks on durability: callers enqueue operations and a
// background worker batches and flushes them to a Store on a timer or
// when the batch fills. A full queue drops the oldest pending work
// rather than stalling the message path.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fyrsmithlabs/dialectd/internal/cache"
	"github.com/fyrsmithlabs/dialectd/internal/signal"
)

// Common errors.
var (
	ErrEmptyDir = errors.New("store directory cannot be empty")
)

// OpKind identifies a persistence operation.
type OpKind string

const (
	OpStorePattern  OpKind = "store_pattern"
	OpUpdatePattern OpKind = "update_pattern"
	OpStorePhoneme  OpKind = "store_phoneme"
)

// Op is one enqueued persistence operation.
type Op struct {
	Kind      OpKind          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Pattern   *signal.Pattern `json:"pattern,omitempty"`
	Phoneme   *cache.Phoneme  `json:"phoneme,omitempty"`
}

// Store applies batches of persistence operations. Implementations
// must tolerate duplicate store/update operations for the same ID.
type Store interface {
	// Apply persists one batch. A failed batch is logged and dropped;
	// the queue never retries.
	Apply(ctx context.Context, ops []Op) error

	// Close releases store resources.
	Close() error
}

// MemoryStore is an in-memory Store for testing.
type MemoryStore struct {
	mu       sync.RWMutex
	patterns map[string]*signal.Pattern
	phonemes map[string]*cache.Phoneme
	batches  int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patterns: make(map[string]*signal.Pattern),
		phonemes: make(map[string]*cache.Phoneme),
	}
}

// Apply records the batch in memory.
func (s *MemoryStore) Apply(ctx context.Context, ops []Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches++
	for _, op := range ops {
		switch op.Kind {
		case OpStorePattern, OpUpdatePattern:
			if op.Pattern != nil {
				s.patterns[op.Pattern.ID] = op.Pattern
			}
		case OpStorePhoneme:
			if op.Phoneme != nil {
				s.phonemes[op.Phoneme.ID] = op.Phoneme
			}
		}
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Pattern returns a stored pattern by ID.
func (s *MemoryStore) Pattern(id string) (*signal.Pattern, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	return p, ok
}

// Phoneme returns a stored phoneme by ID.
func (s *MemoryStore) Phoneme(id string) (*cache.Phoneme, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ph, ok := s.phonemes[id]
	return ph, ok
}

// Batches returns how many batches were applied.
func (s *MemoryStore) Batches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batches
}

// FileStore appends batches as JSON lines under a directory, one file
// per day, in the journal style used for offline inspection and
// replay.
type FileStore struct {
	dir string

	mu sync.Mutex
	f  *os.File
	fn string
}

// NewFileStore creates the directory if needed and returns a store
// writing there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, ErrEmptyDir
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Apply appends each operation as one JSON line.
func (s *FileStore) Apply(ctx context.Context, ops []Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.journal()
	if err != nil {
		return err
	}
	for _, op := range ops {
		line, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("failed to encode op: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to write journal: %w", err)
		}
	}
	return f.Sync()
}

// journal returns the current day's journal file, rotating when the
// date changes. Caller holds s.mu.
func (s *FileStore) journal() (*os.File, error) {
	name := filepath.Join(s.dir, time.Now().UTC().Format("2006-01-02")+".jsonl")
	if s.f != nil && s.fn == name {
		return s.f, nil
	}
	if s.f != nil {
		_ = s.f.Close()
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	s.f = f
	s.fn = name
	return f, nil
}

// Close closes the current journal file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.fn = ""
	return err
}
