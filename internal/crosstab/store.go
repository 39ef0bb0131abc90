package crosstab

import (
	"context"
	"sync"
	"time"
)

// Store is a key/value space shared by every tab of one user, with a change
// feed. Put notifies watchers with the written value; Delete does not.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Claim sets key to owner unless another owner holds it. It reports
	// whether owner holds the key afterwards.
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Watch(ctx context.Context) (<-chan []byte, error)
}

type memEntry struct {
	value   []byte
	expires time.Time
}

func (e memEntry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// MemoryStore is an in-process Store. Coordinators sharing one MemoryStore
// behave like tabs sharing a browser's storage.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]memEntry
	watchers map[chan []byte]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]memEntry),
		watchers: make(map[chan []byte]struct{}),
	}
}

const watchBuffer = 64

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.entries[key] = e
	for ch := range s.watchers {
		select {
		case ch <- e.value:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.entries[key]; ok && e.live(now) {
		return string(e.value) == owner, nil
	}
	e := memEntry{value: []byte(owner)}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

// Get returns the live value under key.
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.live(time.Now()) {
		return nil, false
	}
	return e.value, true
}

// Watch delivers every value Put after the call until ctx is done. A slow
// reader loses values rather than blocking writers.
func (s *MemoryStore) Watch(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, watchBuffer)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}
