package eventlog

import (
	"strings"
	"time"
)

// Kind is the producer-supplied classification of an event. It is passed
// through unmodified.
type Kind struct {
	Name string `json:"name"`
	Time string `json:"time"`
}

// Event is one stored location event. Events are immutable once appended.
type Event struct {
	Seq        uint64
	Kind       Kind
	OccurredAt time.Time
	DriverID   string
	Latitude   float64
	Longitude  float64
	// RecordedAt is the producer timestamp, kept verbatim.
	RecordedAt string

	recordedAt   time.Time
	recordedAtOK bool
}

// EventRef identifies an appended event.
type EventRef struct {
	Seq      uint64
	DriverID string
}

// RecordedTime returns the parsed RecordedAt and whether it was valid.
func (e Event) RecordedTime() (time.Time, bool) {
	if e.recordedAtOK {
		return e.recordedAt, true
	}
	return ParseTimestamp(e.RecordedAt)
}

// Cursor bounds a driver query. The zero value matches everything.
type Cursor struct {
	// Since keeps events whose RecordedAt is at or after the instant.
	Since *time.Time
	// AfterSeq keeps events with a sequence strictly greater than the value.
	AfterSeq uint64
}

func (c Cursor) matches(e *Event) bool {
	if e.Seq <= c.AfterSeq {
		return false
	}
	if c.Since == nil {
		return true
	}
	if !e.recordedAtOK {
		return false
	}
	return !e.recordedAt.Before(*c.Since)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp. Values without a zone are
// taken as UTC.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
