// Package tz implements timezone resolution against a compact binary offset
// table. The table is produced offline from a CSV of zone rules and holds,
// per zone id, a standard offset, a DST offset, and civil-calendar DST
// start/end anchors. It replaces the system zone database on devices that do
// not ship one.
package tz

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	appLog "picocal/internal/log"
)

const (
	// maxZoneNameLength bounds the declared name length of a table record.
	// A record declaring 0 or more than this is treated as a corrupt tail
	// and terminates the scan.
	maxZoneNameLength = 100

	// recordTailSize is the fixed-size portion after the name: two int32
	// offsets plus six single-byte DST rule fields.
	recordTailSize = 14

	// timeoutCheckInterval controls how often the load loop consults the
	// wall clock.
	timeoutCheckInterval = 50

	defaultLoadTimeout = 10 * time.Second
)

// Rule is a civil-calendar DST transition anchor. It is evaluated against
// the year of the instant being resolved, not a fixed historical date.
type Rule struct {
	Month int // 1-12
	Day   int // 1-31
	Hour  int // 0-23
}

// Record holds the offsets and DST rules for one zone id. Offsets are
// seconds east of UTC (negative west). A nil DSTStart or DSTEnd means the
// zone has no DST and the standard offset always applies.
type Record struct {
	StdOffset int
	DSTOffset int
	DSTStart  *Rule
	DSTEnd    *Rule
}

// CivilTime is a wall-clock time in some zone, without an attached offset.
// Weekday is Monday=0 through Sunday=6; YearDay is 1-based.
type CivilTime struct {
	Year    int
	Month   int
	Day     int
	Hour    int
	Min     int
	Sec     int
	Weekday int
	YearDay int
}

// Table owns the zone mapping and the id-normalization memo. Both are
// guarded by their own mutex so the table can be shared across goroutines;
// the mapping itself is write-once at first successful Load and read-only
// afterward.
type Table struct {
	mu      sync.Mutex
	zones   map[string]Record
	loading bool

	memoMu sync.Mutex
	memo   map[string]string

	// LoadTimeout bounds how long Load may spend reading the table before
	// returning whatever prefix parsed successfully.
	LoadTimeout time.Duration
}

// NewTable returns an empty Table. Call Load before resolving offsets;
// an unloaded table resolves every zone to offset 0.
func NewTable() *Table {
	return &Table{
		memo:        make(map[string]string),
		LoadTimeout: defaultLoadTimeout,
	}
}

// Load reads the binary zone table at path into memory and returns the
// number of resident records.
//
// Load never fails outright: an unreadable file yields an empty table, and a
// corrupt or truncated tail yields whatever prefix parsed. A second call
// with data already resident returns without re-reading; a concurrent call
// while another load is in flight returns 0 rather than blocking.
func (t *Table) Load(path string) int {
	t.mu.Lock()
	if t.zones != nil {
		n := len(t.zones)
		t.mu.Unlock()
		return n
	}
	if t.loading {
		t.mu.Unlock()
		return 0
	}
	t.loading = true
	t.mu.Unlock()

	zones := t.readTable(path)

	t.mu.Lock()
	t.zones = zones
	t.loading = false
	t.mu.Unlock()

	appLog.Info("timezone table loaded", "path", path, "zones", len(zones))
	return len(zones)
}

// readTable scans the flat record stream. Each record is:
//
//	nameLen(1) name(n) stdOffset(int32 LE) dstOffset(int32 LE)
//	startMonth startDay startHour endMonth endDay endHour (1 byte each)
//
// EOF, a zero/oversized name length, or a short read all terminate the scan.
func (t *Table) readTable(path string) map[string]Record {
	zones := make(map[string]Record)

	f, err := os.Open(path)
	if err != nil {
		appLog.Error("timezone table open failed", err, "path", path)
		return zones
	}
	defer f.Close()

	timeout := t.LoadTimeout
	if timeout <= 0 {
		timeout = defaultLoadTimeout
	}
	start := time.Now()

	r := bufio.NewReader(f)
	buf := make([]byte, maxZoneNameLength+recordTailSize)

	for count := 0; ; count++ {
		if count%timeoutCheckInterval == 0 && time.Since(start) > timeout {
			appLog.Info("timezone table load timeout, using partial data",
				"path", path, "zones", len(zones))
			break
		}

		nameLen, err := r.ReadByte()
		if err != nil {
			break
		}
		if nameLen == 0 || int(nameLen) > maxZoneNameLength {
			// Corrupt tail; keep what parsed so far.
			break
		}

		chunk := buf[:int(nameLen)+recordTailSize]
		if _, err := io.ReadFull(r, chunk); err != nil {
			break
		}

		name := string(chunk[:nameLen])
		tail := chunk[nameLen:]

		rec := Record{
			StdOffset: int(int32(binary.LittleEndian.Uint32(tail[0:4]))),
			DSTOffset: int(int32(binary.LittleEndian.Uint32(tail[4:8]))),
		}
		if tail[8] != 0 {
			rec.DSTStart = &Rule{Month: int(tail[8]), Day: int(tail[9]), Hour: int(tail[10])}
		}
		if tail[11] != 0 {
			rec.DSTEnd = &Rule{Month: int(tail[11]), Day: int(tail[12]), Hour: int(tail[13])}
		}

		zones[name] = rec
	}

	return zones
}

// lookup returns the record for a zone id, if the table is loaded and the
// id is known.
func (t *Table) lookup(zoneID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.zones == nil {
		return Record{}, false
	}
	rec, ok := t.zones[zoneID]
	return rec, ok
}

// UTCOffset returns the offset in seconds for zoneID at the given UTC
// instant, accounting for DST. Unknown zones and zones without DST rules
// resolve to the standard offset (0 when the zone is unknown entirely).
func (t *Table) UTCOffset(zoneID string, ts int64) int {
	rec, ok := t.lookup(zoneID)
	if !ok {
		return 0
	}
	if rec.DSTStart == nil || rec.DSTEnd == nil {
		return rec.StdOffset
	}

	// Apply the stored civil-calendar anchors to the year the instant falls
	// in, as seen through the standard offset.
	year := time.Unix(ts+int64(rec.StdOffset), 0).UTC().Year()
	transition := func(r *Rule) int64 {
		civil := time.Date(year, time.Month(r.Month), r.Day, r.Hour, 0, 0, 0, time.UTC)
		return civil.Unix() - int64(rec.StdOffset)
	}

	dstStart := transition(rec.DSTStart)
	dstEnd := transition(rec.DSTEnd)

	var inDST bool
	if dstStart < dstEnd {
		// DST window within one calendar year (e.g. March to October).
		inDST = dstStart <= ts && ts < dstEnd
	} else {
		// Window spans the year boundary (southern hemisphere).
		inDST = ts >= dstStart || ts < dstEnd
	}

	if inDST {
		return rec.DSTOffset
	}
	return rec.StdOffset
}

// ToUTC converts a wall-clock time in zoneID to a UTC instant.
//
// The offset is resolved from the naive local epoch value, not from a
// provisional UTC estimate. Within roughly one offset-width of a DST
// transition this can select the wrong side; everywhere else the conversion
// is exact. See the round-trip tests for the stated boundary behavior.
func (t *Table) ToUTC(ct CivilTime, zoneID string) int64 {
	naive := time.Date(ct.Year, time.Month(ct.Month), ct.Day, ct.Hour, ct.Min, ct.Sec, 0, time.UTC).Unix()
	return naive - int64(t.UTCOffset(zoneID, naive))
}

// ToLocal converts a UTC instant to the wall-clock time in zoneID,
// including weekday (Monday=0) and 1-based year day.
func (t *Table) ToLocal(ts int64, zoneID string) CivilTime {
	lt := time.Unix(ts+int64(t.UTCOffset(zoneID, ts)), 0).UTC()
	return CivilTime{
		Year:    lt.Year(),
		Month:   int(lt.Month()),
		Day:     lt.Day(),
		Hour:    lt.Hour(),
		Min:     lt.Minute(),
		Sec:     lt.Second(),
		Weekday: (int(lt.Weekday()) + 6) % 7,
		YearDay: lt.YearDay(),
	}
}

// Len returns the number of resident zone records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.zones)
}

// Clear drops the resident mapping and the normalization memo, so the next
// Load re-reads from disk.
func (t *Table) Clear() {
	t.mu.Lock()
	t.zones = nil
	t.mu.Unlock()

	t.memoMu.Lock()
	t.memo = make(map[string]string)
	t.memoMu.Unlock()
}

// Info reports table state for diagnostics.
type Info struct {
	Zones    int  `json:"zones"`
	MemoSize int  `json:"memo_size"`
	Loading  bool `json:"loading"`
}

func (t *Table) Info() Info {
	t.mu.Lock()
	zones := len(t.zones)
	loading := t.loading
	t.mu.Unlock()

	t.memoMu.Lock()
	memo := len(t.memo)
	t.memoMu.Unlock()

	return Info{Zones: zones, MemoSize: memo, Loading: loading}
}
