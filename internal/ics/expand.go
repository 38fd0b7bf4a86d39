package ics

import (
	"sort"
	"time"

	appLog "picocal/internal/log"
	"picocal/internal/model"
	"picocal/internal/tz"
)

const (
	defaultMaxIterations          = 200
	defaultMaxOccurrencesPerEvent = 50
	defaultMaxRDATECount          = 20

	secondsPerDay  = 86400
	secondsPerWeek = 7 * secondsPerDay
)

// ExpandConfig bounds recurrence expansion. WindowStart and WindowEnd are
// inclusive UTC seconds; the caps default when zero.
type ExpandConfig struct {
	WindowStart int64
	WindowEnd   int64

	// MaxIterations is the hard budget for one next-occurrence search.
	MaxIterations int
	// MaxOccurrencesPerEvent caps how many occurrences a single recurring
	// record may contribute.
	MaxOccurrencesPerEvent int
	// MaxRDATECount caps how many RDATE instants are materialized per record.
	MaxRDATECount int
}

func (c *ExpandConfig) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.MaxOccurrencesPerEvent <= 0 {
		c.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	if c.MaxRDATECount <= 0 {
		c.MaxRDATECount = defaultMaxRDATECount
	}
}

// overrideKey identifies the occurrence an override record replaces.
type overrideKey struct {
	start  int64
	zoneID string
}

// Expand turns raw records into the final occurrence list for the window:
// recurring series are walked occurrence by occurrence, RDATE instants are
// added, override records are substituted in place of the occurrence they
// name, and the result is sorted by start instant.
func Expand(records []RawEventRecord, zones *tz.Table, cfg ExpandConfig) []model.Event {
	cfg.applyDefaults()

	overrides := make(map[overrideKey]*RawEventRecord)
	base := make([]*RawEventRecord, 0, len(records))
	for i := range records {
		rec := &records[i]
		if rec.IsOverride {
			overrides[overrideKey{rec.RecurrenceID, rec.TZID}] = rec
		} else {
			base = append(base, rec)
		}
	}

	events := make([]model.Event, 0)
	for _, rec := range base {
		for _, occ := range expandRecord(rec, zones, cfg) {
			if ov, found := overrides[overrideKey{occ.Start, occ.TZID}]; found {
				// The override replaces the generated occurrence wholesale.
				occ = model.Event{
					Start:       ov.DTStart,
					End:         ov.DTEnd,
					Summary:     ov.Summary,
					Description: ov.Description,
					TZID:        ov.TZID,
				}
			}
			events = append(events, occ)
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Less(events[j]) })
	return events
}

// expandRecord yields the occurrences of one base record inside the window.
func expandRecord(rec *RawEventRecord, zones *tz.Table, cfg ExpandConfig) []model.Event {
	duration := rec.DTEnd - rec.DTStart

	makeEvent := func(start int64) model.Event {
		return model.Event{
			Start:       start,
			End:         start + duration,
			Summary:     rec.Summary,
			Description: rec.Description,
			TZID:        rec.TZID,
		}
	}

	recurring := rec.Rule.Recurring()

	// Single event, no additional dates: at most one occurrence.
	if !recurring && len(rec.RDates) == 0 {
		if rec.DTEnd >= cfg.WindowStart && rec.DTStart <= cfg.WindowEnd {
			return []model.Event{{
				Start:       rec.DTStart,
				End:         rec.DTEnd,
				Summary:     rec.Summary,
				Description: rec.Description,
				TZID:        rec.TZID,
			}}
		}
		return nil
	}

	var out []model.Event

	if recurring {
		exSet := make(map[int64]struct{}, len(rec.ExDates))
		for _, ex := range rec.ExDates {
			exSet[ex] = struct{}{}
		}

		searchPoint := cfg.WindowStart
		for len(out) < cfg.MaxOccurrencesPerEvent {
			next, found := nextOccurrence(searchPoint, rec, exSet, zones, cfg)
			if !found || next > cfg.WindowEnd {
				break
			}
			out = append(out, makeEvent(next))
			searchPoint = next + 1
		}
		if len(out) >= cfg.MaxOccurrencesPerEvent {
			appLog.Debug("recurrence expansion hit per-event cap",
				"summary", rec.Summary, "cap", cfg.MaxOccurrencesPerEvent)
		}
	}

	// RDATE instants are independent of the rule.
	for i, r := range rec.RDates {
		if i >= cfg.MaxRDATECount {
			break
		}
		if r+duration >= cfg.WindowStart && r <= cfg.WindowEnd {
			out = append(out, makeEvent(r))
		}
	}

	return out
}

// nextOccurrence finds the first candidate on or after searchStart that
// satisfies the rule's bounds and constraint sets and is not excluded.
// It reports found=false when the series is exhausted or the iteration
// budget runs out.
func nextOccurrence(searchStart int64, rec *RawEventRecord, exSet map[int64]struct{}, zones *tz.Table, cfg ExpandConfig) (int64, bool) {
	rule := rec.Rule

	effectiveUntil := rule.Until
	if cfg.WindowEnd != 0 && (effectiveUntil == 0 || cfg.WindowEnd < effectiveUntil) {
		effectiveUntil = cfg.WindowEnd
	}
	if effectiveUntil != 0 && rec.DTStart > effectiveUntil {
		return 0, false
	}

	// Jump close to the search start instead of iterating from the series
	// origin; COUNT accounting includes the skipped candidates.
	candidate := rec.DTStart
	skip := skipCount(rec.DTStart, searchStart, rule.Freq, rule.Interval)
	for i := 0; i < skip; i++ {
		candidate = advance(candidate, rule.Freq, rule.Interval, rec.TZID, zones)
	}

	count := skip
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		if effectiveUntil != 0 && candidate > effectiveUntil {
			return 0, false
		}
		if rule.Count > 0 && count >= rule.Count {
			return 0, false
		}

		_, excluded := exSet[candidate]
		if !excluded && candidate >= searchStart && matchesConstraints(candidate, rec.TZID, rule, zones) {
			return candidate, true
		}

		candidate = advance(candidate, rule.Freq, rule.Interval, rec.TZID, zones)
		count++
	}

	return 0, false
}

// skipCount estimates how many whole intervals lie between the series base
// and the search start, backed off by two intervals so the search never
// lands past the first valid candidate.
func skipCount(base, searchStart int64, freq Frequency, interval int) int {
	if base >= searchStart || interval <= 0 {
		return 0
	}

	var intervalSeconds int64
	switch freq {
	case FreqDaily:
		intervalSeconds = secondsPerDay * int64(interval)
	case FreqWeekly:
		intervalSeconds = secondsPerWeek * int64(interval)
	case FreqMonthly:
		intervalSeconds = secondsPerDay * 30 * int64(interval)
	case FreqYearly:
		intervalSeconds = secondsPerDay * 365 * int64(interval)
	default:
		return 0
	}

	n := int((searchStart-base)/intervalSeconds) - 2
	if n < 0 {
		return 0
	}
	return n
}

// advance moves a candidate forward by one interval using calendar-correct
// arithmetic in the record's zone, so wall-clock times survive DST shifts.
// MONTHLY carries month overflow into the year and clamps the day to the
// target month's length; YEARLY clamps Feb 29 in non-leap years.
func advance(ts int64, freq Frequency, interval int, zoneID string, zones *tz.Table) int64 {
	lt := zones.ToLocal(ts, zoneID)

	switch freq {
	case FreqDaily:
		lt.Day += interval
	case FreqWeekly:
		lt.Day += 7 * interval
	case FreqMonthly:
		m := lt.Month + interval
		lt.Year += (m - 1) / 12
		lt.Month = (m-1)%12 + 1
		if d := daysInMonth(lt.Year, lt.Month); lt.Day > d {
			lt.Day = d
		}
	case FreqYearly:
		lt.Year += interval
		if d := daysInMonth(lt.Year, lt.Month); lt.Day > d {
			lt.Day = d
		}
	default:
		return ts + secondsPerDay*int64(interval)
	}

	return zones.ToUTC(lt, zoneID)
}

// matchesConstraints checks the BY* constraint sets against the candidate's
// local calendar fields. An empty set places no restriction on its axis.
func matchesConstraints(ts int64, zoneID string, rule *RecurrenceRule, zones *tz.Table) bool {
	if len(rule.ByDay) == 0 && len(rule.ByMonth) == 0 && len(rule.ByMonthDay) == 0 {
		return true
	}

	lt := zones.ToLocal(ts, zoneID)

	if len(rule.ByMonthDay) > 0 && !containsInt(rule.ByMonthDay, lt.Day) {
		return false
	}
	if len(rule.ByMonth) > 0 && !containsInt(rule.ByMonth, lt.Month) {
		return false
	}
	if len(rule.ByDay) > 0 && !containsInt(rule.ByDay, lt.Weekday) {
		return false
	}
	return true
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func daysInMonth(year, month int) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
