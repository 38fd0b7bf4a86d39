package tz

import "strings"

// Normalize maps a raw TZID string from a calendar feed onto a zone id the
// table knows about. Feeds carry ids with stray quoting, backslashes, or
// vendor spellings ("america/new_york", "New_York"), so lookup falls back
// from exact match to case-insensitive match to a ".../City" suffix match.
//
// An id that matches nothing is returned in its cleaned form rather than
// rejected; offset resolution for it will yield 0. An empty input maps to
// "UTC". Results are memoized keyed by the original raw string.
func (t *Table) Normalize(raw string) string {
	if raw == "" {
		return "UTC"
	}

	t.memoMu.Lock()
	if cached, ok := t.memo[raw]; ok {
		t.memoMu.Unlock()
		return cached
	}
	t.memoMu.Unlock()

	cleaned := strings.TrimRight(strings.TrimSpace(raw), "/")
	if strings.ContainsAny(cleaned, "\\\"") {
		cleaned = strings.ReplaceAll(cleaned, "\\", "")
		cleaned = strings.ReplaceAll(cleaned, "\"", "")
	}

	result := cleaned

	t.mu.Lock()
	if t.zones != nil {
		if _, ok := t.zones[cleaned]; !ok {
			cleanedLower := strings.ToLower(cleaned)
			for key := range t.zones {
				keyLower := strings.ToLower(key)
				if keyLower == cleanedLower || strings.HasSuffix(keyLower, "/"+cleanedLower) {
					result = key
					break
				}
			}
		}
	}
	t.mu.Unlock()

	t.memoMu.Lock()
	t.memo[raw] = result
	t.memoMu.Unlock()

	return result
}
