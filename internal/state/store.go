// Package state persists the single AppState record and notifies
// subscribers whenever it changes.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hkdinner/dinner/internal/storage"
)

// Key is the kv key holding the AppState record.
const Key = "dinner_app_state_v1"

// ErrIncompleteIdentity is returned when a save would leave a family id
// without a member id or display name.
var ErrIncompleteIdentity = errors.New("family identity requires member id and display name")

// KV is the key-value medium the Store persists into.
// Implemented by storage.Store.
type KV interface {
	GetValue(key string) (string, error)
	SetValue(key, value string) error
	DeleteValue(key string) error
}

// Store loads, merge-saves and clears the AppState record.
type Store struct {
	kv     KV
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan AppState
	nextID int
}

// NewStore creates a Store over kv.
func NewStore(kv KV) *Store {
	return &Store{
		kv:     kv,
		logger: slog.Default(),
		subs:   make(map[int]chan AppState),
	}
}

// Load returns the persisted state merged over defaults. A missing or
// unparsable record yields the defaults.
func (s *Store) Load() AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() AppState {
	st := Defaults()
	raw, err := s.kv.GetValue(Key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to load app state", "error", err)
		}
		return st
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		s.logger.Warn("malformed app state, using defaults", "error", err)
		return Defaults()
	}
	return st
}

// Save merges patch over the current state, persists it and notifies
// subscribers.
func (s *Store) Save(patch Patch) (AppState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := patch.Apply(s.load())
	if next.HasFamily() && (Str(next.MemberID) == "" || Str(next.DisplayName) == "") {
		return AppState{}, ErrIncompleteIdentity
	}

	data, err := json.Marshal(next)
	if err != nil {
		return AppState{}, fmt.Errorf("marshalling app state: %w", err)
	}
	if err := s.kv.SetValue(Key, string(data)); err != nil {
		return AppState{}, fmt.Errorf("saving app state: %w", err)
	}

	s.notify(next)
	return next, nil
}

// Clear removes the record and notifies subscribers with the defaults.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.DeleteValue(Key); err != nil {
		return fmt.Errorf("clearing app state: %w", err)
	}
	s.notify(Defaults())
	return nil
}

// Subscribe returns a channel receiving the state after every Save or
// Clear. Slow subscribers only see the newest state. Call cancel to
// unsubscribe; the channel is closed.
func (s *Store) Subscribe() (<-chan AppState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan AppState, 1)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// notify must be called with mu held.
func (s *Store) notify(st AppState) {
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
