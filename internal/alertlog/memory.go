package alertlog

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"
)

// MemoryLog keeps alerts in process memory. It is used in tests and when no
// database is configured.
type MemoryLog struct {
	mu       sync.RWMutex
	events   []Event
	index    map[NaturalKey]uint64
	byDevice map[string][]int
	bucket   time.Duration
	nextID   uint64
}

// NewMemoryLog creates an empty MemoryLog. See KeyOf for bucket.
func NewMemoryLog(bucket time.Duration) *MemoryLog {
	return &MemoryLog{
		index:    make(map[NaturalKey]uint64),
		byDevice: make(map[string][]int),
		bucket:   bucket,
		nextID:   1,
	}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, e Event) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := e.Validate(); err != nil {
		return 0, err
	}

	key := KeyOf(e, l.bucket)

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.index[key]; ok {
		return id, nil
	}

	e.ID = l.nextID
	e.OccurredAt = e.OccurredAt.UTC()
	if e.Location != nil {
		loc := *e.Location
		e.Location = &loc
	}
	l.nextID++
	l.byDevice[e.DeviceID] = append(l.byDevice[e.DeviceID], len(l.events))
	l.events = append(l.events, e)
	l.index[key] = e.ID

	return e.ID, nil
}

// List implements Log.
func (l *MemoryLog) List(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		l.mu.RLock()
		snapshot := l.events[:len(l.events):len(l.events)]
		l.mu.RUnlock()

		for _, e := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Page implements Log. IDs are dense from 1, so AfterID is also the slice
// offset of the first candidate.
func (l *MemoryLog) Page(ctx context.Context, q Query) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var page []Event
	add := func(e Event) bool {
		if q.matches(e) {
			page = append(page, e)
		}
		return len(page) < q.Limit
	}

	if q.DeviceID != "" {
		all := l.byDevice[q.DeviceID]
		start := sort.Search(len(all), func(i int) bool { return l.events[all[i]].ID > q.AfterID })
		for _, pos := range all[start:] {
			if !add(l.events[pos]) {
				break
			}
		}
		return page, nil
	}

	start := min(q.AfterID, uint64(len(l.events)))
	for _, e := range l.events[start:] {
		if !add(e) {
			break
		}
	}
	return page, nil
}

// Len returns the number of stored events.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
