package rates

import (
	"context"
	"sync"
	"time"

	"github.com/tournevent/cartship/internal/shipping"
)

// State is the outcome of the latest quote pass for a cart and merchant.
type State struct {
	Status       shipping.QueryStatus     `json:"status"`
	RetryTargets []shipping.RetryTarget   `json:"retry_targets,omitempty"`
	Quotes       []shipping.RateQuote     `json:"quotes,omitempty"`
	Errors       []shipping.ProviderError `json:"errors,omitempty"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// StateStore persists pass state by key.
type StateStore interface {
	Load(ctx context.Context, key string) (State, bool, error)
	Save(ctx context.Context, key string, st State) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	state   State
	expires time.Time
}

// MemoryStateStore keeps state in process memory. Entries expire after ttl;
// a zero ttl keeps them forever.
type MemoryStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStateStore creates a MemoryStateStore.
func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	return &MemoryStateStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStateStore) Load(ctx context.Context, key string) (State, bool, error) {
	if err := ctx.Err(); err != nil {
		return State{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return State{}, false, nil
	}
	if !e.expires.IsZero() && s.now().After(e.expires) {
		delete(s.entries, key)
		return State{}, false, nil
	}
	return e.state, true, nil
}

func (s *MemoryStateStore) Save(ctx context.Context, key string, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memoryEntry{state: st}
	if s.ttl > 0 {
		e.expires = s.now().Add(s.ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStateStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

var _ StateStore = (*MemoryStateStore)(nil)
