// Package ics contains the iCalendar pipeline: a line/property scanner that
// turns feed bytes into raw per-event records, a recurrence engine that
// expands those records into concrete occurrences, and a conditional HTTP
// fetcher. All timestamps are resolved to UTC seconds through a tz.Table.
package ics

import (
	"bytes"
	"strings"

	"picocal/internal/tz"
)

const defaultMaxDescriptionLen = 200

// RawEventRecord is the mutable accumulator built while scanning one VEVENT
// block. It is finalized at END:VEVENT and either queued for expansion or,
// when IsOverride is set, indexed as a replacement for one occurrence of an
// existing series.
type RawEventRecord struct {
	DTStart int64
	DTEnd   int64
	TZID    string

	Summary     string
	Description string

	Rule    *RecurrenceRule
	ExDates []int64
	RDates  []int64

	RecurrenceID int64
	IsOverride   bool
}

// propertyKind enumerates the VEVENT properties the scanner dispatches on.
type propertyKind int

const (
	propUnknown propertyKind = iota
	propDTStart
	propDTEnd
	propSummary
	propDescription
	propRRule
	propExDate
	propRDate
	propRecurrenceID
)

var propertyKinds = map[string]propertyKind{
	"DTSTART":       propDTStart,
	"DTEND":         propDTEnd,
	"SUMMARY":       propSummary,
	"DESCRIPTION":   propDescription,
	"RRULE":         propRRule,
	"EXDATE":        propExDate,
	"RDATE":         propRDate,
	"RECURRENCE-ID": propRecurrenceID,
}

// classifyProperty maps a logical line onto its property kind. The property
// name is the text before the first ':' or ';' (parameters follow ';').
func classifyProperty(line string) propertyKind {
	name := line
	if i := strings.IndexAny(line, ";:"); i != -1 {
		name = line[:i]
	}
	return propertyKinds[strings.ToUpper(name)]
}

// propertyValue returns the text after the first ':' of a logical line.
func propertyValue(line string) string {
	if i := strings.Index(line, ":"); i != -1 {
		return line[i+1:]
	}
	return ""
}

// Scanner is a single-pass scanner over unfolded iCalendar lines. The
// in-progress record is explicit state on the scanner, so individual lines
// can be fed through Line in tests without any hidden globals.
type Scanner struct {
	zones   *tz.Table
	defZone string
	maxDesc int

	cur     *RawEventRecord
	records []RawEventRecord
}

// NewScanner returns a Scanner resolving zone ids against zones.
// defaultZone is the zone assumed for records and values that declare no
// TZID of their own ("" means UTC). maxDescLen caps description values
// (0 means the default of 200).
func NewScanner(zones *tz.Table, defaultZone string, maxDescLen int) *Scanner {
	if maxDescLen <= 0 {
		maxDescLen = defaultMaxDescriptionLen
	}
	if defaultZone == "" {
		defaultZone = "UTC"
	} else {
		defaultZone = zones.Normalize(defaultZone)
	}
	return &Scanner{zones: zones, defZone: defaultZone, maxDesc: maxDescLen}
}

// Parse unfolds body into logical lines, feeds them through Line, and
// returns the finished records. Physical lines beginning with a space or
// tab continue the previous logical line with the leading byte stripped.
func (s *Scanner) Parse(body []byte) []RawEventRecord {
	var logical []byte

	for _, raw := range bytes.Split(body, []byte{'\n'}) {
		raw = bytes.TrimSuffix(raw, []byte{'\r'})
		if len(raw) == 0 {
			continue
		}
		if (raw[0] == ' ' || raw[0] == '\t') && len(logical) > 0 {
			logical = append(logical, raw[1:]...)
			continue
		}
		if len(logical) > 0 {
			s.Line(logical)
		}
		logical = append(logical[:0:0], raw...)
	}
	if len(logical) > 0 {
		s.Line(logical)
	}

	return s.Records()
}

// Line processes one unfolded logical line.
func (s *Scanner) Line(b []byte) {
	line := string(b)

	switch line {
	case "BEGIN:VEVENT":
		s.cur = &RawEventRecord{TZID: s.defZone}
		return
	case "END:VEVENT":
		if s.cur != nil && s.cur.DTStart != 0 {
			// Default one-hour duration when DTEND is absent. A record
			// without DTSTART is discarded.
			if s.cur.DTEnd == 0 {
				s.cur.DTEnd = s.cur.DTStart + 3600
			}
			s.records = append(s.records, *s.cur)
		}
		s.cur = nil
		return
	}

	if s.cur == nil {
		return
	}

	switch classifyProperty(line) {
	case propDTStart:
		if ts, zoneID, ok := parseDateTime(line, s.defZone, s.zones); ok {
			s.cur.DTStart = ts
			if zoneID != "" {
				s.cur.TZID = zoneID
			}
		}

	case propDTEnd:
		if ts, _, ok := parseDateTime(line, s.defZone, s.zones); ok {
			s.cur.DTEnd = ts
		}

	case propSummary:
		s.cur.Summary = strings.TrimSpace(propertyValue(line))

	case propDescription:
		s.cur.Description = cleanDescription(propertyValue(line), s.maxDesc)

	case propRRule:
		s.cur.Rule = parseRecurrenceRule(propertyValue(line), s.cur.TZID, s.zones)

	case propExDate:
		s.cur.ExDates = append(s.cur.ExDates, parseDateList(line, s.cur.TZID, s.zones)...)

	case propRDate:
		s.cur.RDates = append(s.cur.RDates, parseDateList(line, s.cur.TZID, s.zones)...)

	case propRecurrenceID:
		if ts, _, ok := parseDateTime(line, s.defZone, s.zones); ok {
			s.cur.RecurrenceID = ts
			s.cur.IsOverride = true
		}

	case propUnknown:
		// Everything else (UID, LOCATION, STATUS, ...) is ignored.
	}
}

// Records returns the finished records accumulated so far and resets the
// scanner for reuse.
func (s *Scanner) Records() []RawEventRecord {
	out := s.records
	s.records = nil
	s.cur = nil
	return out
}

// cleanDescription resolves the common escape sequences and caps the value
// at max runes, marking truncation with an ellipsis.
func cleanDescription(raw string, max int) string {
	if raw == "" {
		return ""
	}

	text := strings.NewReplacer(`\n`, "\n", `\,`, ",", `\;`, ";").Replace(raw)

	if runes := []rune(text); len(runes) > max {
		text = string(runes[:max-1]) + "…"
	}

	return strings.TrimSpace(text)
}
