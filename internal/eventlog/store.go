package eventlog

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrEmptyDriver is returned when an event without a driver id is appended.
var ErrEmptyDriver = errors.New("driver id is required")

// Store is the append-only event log.
//
// Events live in one slice in arrival order; byDriver indexes each driver's
// sequence numbers so per-driver queries do not scan the whole log. Sequence
// numbers are contiguous inside the slice, which lets a sequence be mapped to
// its slot in O(1).
type Store struct {
	mu        sync.RWMutex
	events    []Event
	start     int // first live slot; slots before it were evicted
	byDriver  map[string][]uint64
	nextSeq   uint64
	maxEvents int
	now       func() time.Time
}

// NewStore creates an event store. maxEvents <= 0 keeps every event.
func NewStore(maxEvents int) *Store {
	if maxEvents < 0 {
		maxEvents = 0
	}
	return &Store{
		byDriver:  make(map[string][]uint64),
		maxEvents: maxEvents,
		now:       time.Now,
	}
}

// Append stores an event and returns its reference. The driver id is trimmed;
// an empty id is rejected with ErrEmptyDriver.
func (s *Store) Append(event Event) (EventRef, error) {
	event.DriverID = strings.TrimSpace(event.DriverID)
	if event.DriverID == "" {
		return EventRef{}, ErrEmptyDriver
	}
	event.recordedAt, event.recordedAtOK = ParseTimestamp(event.RecordedAt)

	s.mu.Lock()
	defer s.mu.Unlock()

	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	s.nextSeq++
	event.Seq = s.nextSeq

	if s.maxEvents > 0 && s.lenLocked() >= s.maxEvents {
		s.evictOldestLocked()
	}

	s.events = append(s.events, event)
	s.byDriver[event.DriverID] = append(s.byDriver[event.DriverID], event.Seq)

	return EventRef{Seq: event.Seq, DriverID: event.DriverID}, nil
}

// QueryByDriver returns the driver's events in insertion order. A non-nil
// since keeps only events recorded at or after it; events whose timestamp
// cannot be parsed are dropped from filtered queries.
func (s *Store) QueryByDriver(driverID string, since *time.Time) []Event {
	return s.Query(driverID, Cursor{Since: since})
}

// Query returns the driver's events matching the cursor, in insertion order.
func (s *Store) Query(driverID string, cursor Cursor) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seqs := s.byDriver[driverID]
	result := make([]Event, 0, len(seqs))
	for _, seq := range seqs {
		event := s.atLocked(seq)
		if cursor.matches(event) {
			result = append(result, *event)
		}
	}
	return result
}

// Recent returns up to n of the newest events, oldest first.
func (s *Store) Recent(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	live := s.events[s.start:]
	if n <= 0 {
		return []Event{}
	}
	if n > len(live) {
		n = len(live)
	}
	result := make([]Event, n)
	copy(result, live[len(live)-n:])
	return result
}

// Count returns the number of stored events.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lenLocked()
}

// Drivers returns the number of drivers with at least one stored event.
func (s *Store) Drivers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byDriver)
}

// Reset clears every event and returns how many were removed. Sequence
// numbers keep increasing across resets.
func (s *Store) Reset() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.lenLocked()
	s.events = nil
	s.start = 0
	s.byDriver = make(map[string][]uint64)
	return removed
}

func (s *Store) lenLocked() int {
	return len(s.events) - s.start
}

// atLocked maps a live sequence number to its slot.
func (s *Store) atLocked(seq uint64) *Event {
	first := s.events[s.start].Seq
	return &s.events[s.start+int(seq-first)]
}

// evictOldestLocked drops the oldest event. The evicted event is always the
// head of its driver's index.
func (s *Store) evictOldestLocked() {
	oldest := s.events[s.start]
	s.events[s.start] = Event{}
	s.start++

	seqs := s.byDriver[oldest.DriverID]
	if len(seqs) <= 1 {
		delete(s.byDriver, oldest.DriverID)
	} else {
		s.byDriver[oldest.DriverID] = seqs[1:]
	}

	if s.start >= s.maxEvents {
		n := copy(s.events, s.events[s.start:])
		clear(s.events[n:])
		s.events = s.events[:n]
		s.start = 0
	}
}
