package metadata

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store implementation. It backs local
// development and tests, and supports simulated partitions so the
// pause-on-disconnect behavior of slots can be exercised.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	watchers  map[string][]chan WatchEvent
	available bool
	closed    bool
}

// NewMemoryStore creates an empty in-memory metadata store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]Entry),
		watchers:  make(map[string][]chan WatchEvent),
		available: true,
	}
}

// SetAvailable toggles simulated connectivity. While unavailable every
// operation returns ErrStoreUnavailable.
func (s *MemoryStore) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = available
}

// Get reads the current entry for a key
func (s *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.available {
		return Entry{}, ErrStoreUnavailable
	}

	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrKeyNotFound
	}

	// Copy the value so callers cannot mutate stored bytes
	value := make([]byte, len(entry.Value))
	copy(value, entry.Value)
	return Entry{Value: value, Version: entry.Version}, nil
}

// Create writes a new key
func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return 0, ErrStoreUnavailable
	}
	if _, ok := s.entries[key]; ok {
		return 0, ErrKeyExists
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	entry := Entry{Value: stored, Version: 1}
	s.entries[key] = entry
	s.notifyLocked(key, WatchEvent{Type: EventPut, Key: key, Entry: entry})
	return entry.Version, nil
}

// Update writes a key conditioned on its last-observed version
func (s *MemoryStore) Update(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return 0, ErrStoreUnavailable
	}

	current, ok := s.entries[key]
	if !ok {
		return 0, ErrKeyNotFound
	}
	if current.Version != version {
		return 0, ErrVersionConflict
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	entry := Entry{Value: stored, Version: current.Version + 1}
	s.entries[key] = entry
	s.notifyLocked(key, WatchEvent{Type: EventPut, Key: key, Entry: entry})
	return entry.Version, nil
}

// Delete removes a key
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return ErrStoreUnavailable
	}
	if _, ok := s.entries[key]; !ok {
		return ErrKeyNotFound
	}

	delete(s.entries, key)
	s.notifyLocked(key, WatchEvent{Type: EventDelete, Key: key})
	return nil
}

// Watch streams change events for a key
func (s *MemoryStore) Watch(ctx context.Context, key string) (<-chan WatchEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrWatchClosed
	}
	if !s.available {
		return nil, ErrStoreUnavailable
	}

	// Buffered so a slow watcher coalesces rather than blocking writers
	ch := make(chan WatchEvent, 16)
	s.watchers[key] = append(s.watchers[key], ch)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.removeWatcherLocked(key, ch)
	}()

	return ch, nil
}

// Ping verifies connectivity
func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || !s.available {
		return ErrStoreUnavailable
	}
	return nil
}

// Close releases the store and terminates all watches
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for key, chans := range s.watchers {
		for _, ch := range chans {
			close(ch)
		}
		delete(s.watchers, key)
	}
	return nil
}

// ListPrefix returns all keys under a prefix; test helper for asserting
// record layout without reaching into internals.
func (s *MemoryStore) ListPrefix(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (s *MemoryStore) notifyLocked(key string, event WatchEvent) {
	for _, ch := range s.watchers[key] {
		select {
		case ch <- event:
		default:
			// Watcher buffer full; it will re-read on the next event
		}
	}
}

func (s *MemoryStore) removeWatcherLocked(key string, target chan WatchEvent) {
	chans := s.watchers[key]
	for i, ch := range chans {
		if ch == target {
			s.watchers[key] = append(chans[:i], chans[i+1:]...)
			close(ch)
			return
		}
	}
}
