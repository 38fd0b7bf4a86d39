package model

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Event is a single materialized occurrence of a calendar event. Start and
// End are absolute UTC seconds; TZID records the zone the occurrence was
// computed under and is kept for display only.
//
// Events are immutable once created: expansion and override substitution
// build new values instead of mutating existing ones.
type Event struct {
	Start       int64
	End         int64
	Summary     string
	Description string
	TZID        string
}

// Less orders events by start instant.
func (e Event) Less(other Event) bool {
	return e.Start < other.Start
}

// Equal reports whether two events match on every field.
func (e Event) Equal(other Event) bool {
	return e == other
}

// Fingerprint returns a value-based hash over all five fields, used for
// exact-duplicate removal during materialization.
func (e Event) Fingerprint() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d\x00%d\x00%s\x00%s\x00%s", e.Start, e.End, e.Summary, e.Description, e.TZID)
	return h.Sum64()
}

func (e Event) String() string {
	start := time.Unix(e.Start, 0).UTC().Format("2006-01-02 15:04:05")
	end := time.Unix(e.End, 0).UTC().Format("2006-01-02 15:04:05")
	return fmt.Sprintf("Event(%s - %s, %q, tz=%s)", start, end, e.Summary, e.TZID)
}
