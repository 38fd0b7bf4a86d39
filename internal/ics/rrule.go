package ics

import (
	"strconv"
	"strings"

	"picocal/internal/tz"
)

// Frequency is the closed set of recurrence frequencies the expander
// understands. FreqNone marks a rule that should be treated as
// non-recurring.
type Frequency int

const (
	FreqNone Frequency = iota
	FreqDaily
	FreqWeekly
	FreqMonthly
	FreqYearly
)

func (f Frequency) String() string {
	switch f {
	case FreqDaily:
		return "DAILY"
	case FreqWeekly:
		return "WEEKLY"
	case FreqMonthly:
		return "MONTHLY"
	case FreqYearly:
		return "YEARLY"
	default:
		return "NONE"
	}
}

// dayCodes maps the two-letter BYDAY weekday codes onto Monday=0..Sunday=6,
// matching tz.CivilTime.Weekday.
var dayCodes = map[string]int{
	"MO": 0, "TU": 1, "WE": 2, "TH": 3, "FR": 4, "SA": 5, "SU": 6,
}

// RecurrenceRule is the normalized form of an RRULE value.
//
// Count and Until are both optional bounds (zero means unbounded); ByDay,
// ByMonth and ByMonthDay are constraint sets whose absence means no
// restriction from that axis.
type RecurrenceRule struct {
	Freq       Frequency
	Interval   int
	Count      int
	Until      int64
	ByDay      []int
	ByMonth    []int
	ByMonthDay []int
}

// Recurring reports whether the rule actually describes a repeating series.
func (r *RecurrenceRule) Recurring() bool {
	return r != nil && r.Freq != FreqNone
}

// parseRecurrenceRule parses an RRULE value ("FREQ=WEEKLY;INTERVAL=2;...").
// Unknown frequencies yield a rule with FreqNone; unrecognized weekday codes
// and non-numeric list entries are dropped silently. zoneID is the owning
// record's zone, used for a zone-relative UNTIL.
func parseRecurrenceRule(value, zoneID string, zones *tz.Table) *RecurrenceRule {
	rule := &RecurrenceRule{Interval: 1}

	for _, part := range strings.Split(value, ";") {
		key, val, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "FREQ":
			rule.Freq = parseFrequency(val)
		case "INTERVAL":
			if n, err := strconv.Atoi(val); err == nil && n >= 1 {
				rule.Interval = n
			}
		case "COUNT":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				rule.Count = n
			}
		case "UNTIL":
			rule.Until = parseUntil(val, zoneID, zones)
		case "BYDAY":
			for _, code := range strings.Split(val, ",") {
				if wd, ok := dayCodes[strings.ToUpper(strings.TrimSpace(code))]; ok {
					rule.ByDay = append(rule.ByDay, wd)
				}
			}
		case "BYMONTH":
			rule.ByMonth = appendInts(rule.ByMonth, val)
		case "BYMONTHDAY":
			rule.ByMonthDay = appendInts(rule.ByMonthDay, val)
		}
	}

	return rule
}

// parseUntil parses the UNTIL bound with the same datetime logic as
// DTSTART/DTEND: a Z suffix means absolute UTC, anything else is relative
// to the record's own zone. Malformed values leave the rule unbounded.
func parseUntil(val, zoneID string, zones *tz.Table) int64 {
	val = strings.TrimSpace(val)
	isUTC := strings.HasSuffix(val, "Z")
	if isUTC {
		val = strings.TrimSuffix(val, "Z")
	}

	ct, ok := parseCivilValue(val)
	if !ok {
		return 0
	}
	if isUTC || zoneID == "" || zoneID == "UTC" {
		return civilUnix(ct)
	}
	return zones.ToUTC(ct, zoneID)
}

func parseFrequency(s string) Frequency {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DAILY":
		return FreqDaily
	case "WEEKLY":
		return FreqWeekly
	case "MONTHLY":
		return FreqMonthly
	case "YEARLY":
		return FreqYearly
	default:
		return FreqNone
	}
}

func appendInts(dst []int, csv string) []int {
	for _, s := range strings.Split(csv, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			dst = append(dst, n)
		}
	}
	return dst
}
