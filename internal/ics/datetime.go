package ics

import (
	"strconv"
	"strings"
	"time"

	"picocal/internal/tz"
)

// parseDateTime parses an iCalendar DATE or DATE-TIME property line
// ("DTSTART;TZID=America/New_York:20231201T120000") into a UTC instant.
//
// A trailing Z or numeric offset suffix marks the value as absolute UTC and
// bypasses the zone table; otherwise the declared TZID is resolved through
// it, falling back to defaultZone for lines that carry none. The returned
// zoneID is the normalized TZID parameter, or "" when the line carried none.
// Malformed values return ok=false so the caller can skip the single
// property.
func parseDateTime(line, defaultZone string, zones *tz.Table) (ts int64, zoneID string, ok bool) {
	colon := strings.LastIndex(line, ":")
	if colon == -1 {
		return 0, "", false
	}

	if tzParam := extractTZID(line); tzParam != "" {
		zoneID = zones.Normalize(tzParam)
	}

	val := strings.TrimSpace(line[colon+1:])

	// Z suffix and explicit numeric offsets both pin the value to UTC.
	absolute := false
	if i := strings.IndexAny(val, "Z+-"); i != -1 {
		absolute = true
		val = val[:i]
	}

	ct, ok := parseCivilValue(val)
	if !ok {
		return 0, zoneID, false
	}

	effective := zoneID
	if effective == "" {
		effective = defaultZone
	}
	if effective == "" {
		effective = "UTC"
	}
	if absolute || effective == "UTC" {
		return civilUnix(ct), zoneID, true
	}
	return zones.ToUTC(ct, effective), zoneID, true
}

// parseCivilValue parses the basic-format value body, either YYYYMMDD or
// YYYYMMDDTHHMMSS with trailing components optional.
func parseCivilValue(val string) (tz.CivilTime, bool) {
	var ct tz.CivilTime
	if len(val) < 8 {
		return ct, false
	}

	var ok bool
	if ct.Year, ok = atoiField(val[0:4]); !ok {
		return ct, false
	}
	if ct.Month, ok = atoiField(val[4:6]); !ok {
		return ct, false
	}
	if ct.Day, ok = atoiField(val[6:8]); !ok {
		return ct, false
	}

	if strings.Contains(val, "T") {
		if len(val) >= 11 {
			if ct.Hour, ok = atoiField(val[9:11]); !ok {
				return ct, false
			}
		}
		if len(val) >= 13 {
			if ct.Min, ok = atoiField(val[11:13]); !ok {
				return ct, false
			}
		}
		if len(val) >= 15 {
			if ct.Sec, ok = atoiField(val[13:15]); !ok {
				return ct, false
			}
		}
	}

	return ct, true
}

func atoiField(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// civilUnix converts a civil time taken as UTC into epoch seconds.
func civilUnix(ct tz.CivilTime) int64 {
	return time.Date(ct.Year, time.Month(ct.Month), ct.Day, ct.Hour, ct.Min, ct.Sec, 0, time.UTC).Unix()
}

// extractTZID pulls the raw TZID parameter value out of a property line.
func extractTZID(line string) string {
	pos := strings.Index(line, "TZID=")
	if pos == -1 {
		return ""
	}
	rest := line[pos+len("TZID="):]
	if end := strings.IndexAny(rest, ":;"); end != -1 {
		return rest[:end]
	}
	return rest
}

// parseDateList parses a comma-separated EXDATE/RDATE value into UTC
// instants. The line's own TZID parameter wins; otherwise defaultZone (the
// record's zone) applies. Unparseable entries are dropped.
func parseDateList(line, defaultZone string, zones *tz.Table) []int64 {
	colon := strings.Index(line, ":")
	if colon == -1 {
		return nil
	}

	prefix := line[:colon]
	if extractTZID(prefix) == "" && defaultZone != "" {
		prefix += ";TZID=" + defaultZone
	}

	var out []int64
	for _, part := range strings.Split(line[colon+1:], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if ts, _, ok := parseDateTime(prefix+":"+part, defaultZone, zones); ok {
			out = append(out, ts)
		}
	}
	return out
}
