package devicestate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"procodus.dev/carewatch/internal/geofence"
)

type entry struct {
	mu       sync.Mutex
	state    State
	// lastSeen is the wall-clock time of the last write. Device clocks can lag
	// or replay old observations, so eviction never reads State.UpdatedAt.
	lastSeen time.Time
	removed  bool
}

// MemoryStore is an in-process Store. Each device has its own lock, so
// updates for different devices never contend beyond the map lookup.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates an empty MemoryStore that stamps writes
// with now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		now:     now,
	}
}

// lockEntry returns the locked entry for deviceID, creating it if needed.
// An entry removed by Evict between lookup and lock is retried.
func (s *MemoryStore) lockEntry(deviceID string) *entry {
	for {
		s.mu.RLock()
		e, ok := s.entries[deviceID]
		s.mu.RUnlock()

		if !ok {
			s.mu.Lock()
			e, ok = s.entries[deviceID]
			if !ok {
				e = &entry{state: State{DeviceID: deviceID}}
				s.entries[deviceID] = e
			}
			s.mu.Unlock()
		}

		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// UpdateAndSwap implements Store.
func (s *MemoryStore) UpdateAndSwap(_ context.Context, u Update) (State, error) {
	if u.DeviceID == "" {
		return State{}, ErrEmptyDeviceID
	}

	e := s.lockEntry(u.DeviceID)
	defer e.mu.Unlock()

	prev := e.state
	if prev.LastFallAlertAt != nil {
		t := *prev.LastFallAlertAt
		prev.LastFallAlertAt = &t
	}

	e.state.Latitude = u.Latitude
	e.state.Longitude = u.Longitude
	e.state.UpdatedAt = u.ObservedAt
	e.lastSeen = s.now()
	if u.Containment != geofence.Unknown {
		e.state.Containment = u.Containment
	}

	return prev, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, deviceID string) (State, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[deviceID]
	s.mu.RUnlock()
	if !ok {
		return State{DeviceID: deviceID}, false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return State{DeviceID: deviceID}, false, nil
	}

	st := e.state
	if st.LastFallAlertAt != nil {
		t := *st.LastFallAlertAt
		st.LastFallAlertAt = &t
	}
	return st, true, nil
}

// RecordFallAlert implements Store.
func (s *MemoryStore) RecordFallAlert(_ context.Context, deviceID string, at time.Time) error {
	if deviceID == "" {
		return ErrEmptyDeviceID
	}

	e := s.lockEntry(deviceID)
	defer e.mu.Unlock()

	e.state.LastFallAlertAt = &at
	e.lastSeen = s.now()
	return nil
}

// Evict removes devices not written since olderThan, measured on the store's
// clock rather than the device's observation times.
func (s *MemoryStore) Evict(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.entries {
		e.mu.Lock()
		if e.lastSeen.Before(olderThan) {
			e.removed = true
			delete(s.entries, id)
			evicted++
		}
		e.mu.Unlock()
	}

	return evicted, nil
}

// Len returns the number of tracked devices.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Janitor periodically evicts inactive devices from a Store.
type Janitor struct {
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	ttl      time.Duration
	interval time.Duration
}

// NewJanitor creates a Janitor evicting entries idle for longer than ttl.
func NewJanitor(store Store, ttl, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:    store,
		logger:   logger,
		now:      time.Now,
		ttl:      ttl,
		interval: interval,
	}
}

// Run blocks until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.store.Evict(ctx, j.now().Add(-j.ttl))
			if err != nil {
				j.logger.Error("device state eviction failed", "error", err)
				continue
			}
			if n > 0 {
				j.logger.Info("evicted inactive devices", "count", n, "ttl", j.ttl)
			}
		}
	}
}
