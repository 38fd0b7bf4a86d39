// Package calendar exposes the public query API: GetEvents drives the
// fetch → parse → expand → cache pipeline and filters the materialized
// result for the caller.
package calendar

import (
	"context"
	"sort"
	"sync"
	"time"

	"picocal/internal/ics"
	appLog "picocal/internal/log"
	"picocal/internal/model"
	"picocal/internal/store"
	"picocal/internal/tz"
)

// DefaultMaxEvents bounds a query that does not name its own maximum.
const DefaultMaxEvents = 40

const defaultWindowDays = 31

// Limits tunes the pipeline's resource caps, mirroring the knobs a
// constrained deployment needs to adjust.
type Limits struct {
	// MaxRecurrenceIterations is the hard budget for one next-occurrence
	// search inside the recurrence engine.
	MaxRecurrenceIterations int
	// MaxOccurrencesPerEvent caps occurrences per recurring record.
	MaxOccurrencesPerEvent int
	// CacheValidity is how long a cache entry serves queries without any
	// network traffic at all.
	CacheValidity time.Duration
	// MaxDescriptionLength caps description values in runes.
	MaxDescriptionLength int
	// MaxRDATECount caps RDATE instants per record.
	MaxRDATECount int
	// HTTPTimeout bounds each HEAD/GET request.
	HTTPTimeout time.Duration
	// StaleAfter is the wall-clock freshness fallback used when the remote
	// offers no validators and no content length.
	StaleAfter time.Duration
}

// DefaultLimits returns the limits suitable for a small device.
func DefaultLimits() Limits {
	return Limits{
		MaxRecurrenceIterations: 200,
		MaxOccurrencesPerEvent:  50,
		CacheValidity:           5 * time.Minute,
		MaxDescriptionLength:    200,
		MaxRDATECount:           20,
		HTTPTimeout:             60 * time.Second,
		StaleAfter:              15 * time.Minute,
	}
}

func (l *Limits) applyDefaults() {
	def := DefaultLimits()
	if l.MaxRecurrenceIterations <= 0 {
		l.MaxRecurrenceIterations = def.MaxRecurrenceIterations
	}
	if l.MaxOccurrencesPerEvent <= 0 {
		l.MaxOccurrencesPerEvent = def.MaxOccurrencesPerEvent
	}
	if l.CacheValidity <= 0 {
		l.CacheValidity = def.CacheValidity
	}
	if l.MaxDescriptionLength <= 0 {
		l.MaxDescriptionLength = def.MaxDescriptionLength
	}
	if l.MaxRDATECount <= 0 {
		l.MaxRDATECount = def.MaxRDATECount
	}
	if l.HTTPTimeout <= 0 {
		l.HTTPTimeout = def.HTTPTimeout
	}
	if l.StaleAfter <= 0 {
		l.StaleAfter = def.StaleAfter
	}
}

// CacheEntry is the per-canonical-URL cache record: the materialized event
// list plus the freshness metadata observed at fetch time. Entries are
// replaced wholesale on refetch, never merged.
type CacheEntry struct {
	Events        []model.Event
	LastModified  string
	ETag          string
	FetchedAt     int64
	ContentLength int
	Fingerprint   string
}

// Service owns the pipeline state: the timezone table, the HTTP fetcher,
// the per-URL cache map, and an optional persistent store. The cache map is
// mutex-guarded so the API can be called from multiple goroutines.
type Service struct {
	zones   *tz.Table
	fetcher *ics.Fetcher
	persist *store.Store

	mu          sync.Mutex
	limits      Limits
	defaultZone string
	cache       map[string]*CacheEntry
}

// NewService creates a Service resolving zones against table. persist may
// be nil to run without on-disk cache persistence.
func NewService(zones *tz.Table, persist *store.Store) *Service {
	limits := DefaultLimits()
	return &Service{
		zones:       zones,
		fetcher:     ics.NewFetcher(limits.HTTPTimeout),
		persist:     persist,
		limits:      limits,
		defaultZone: "UTC",
		cache:       make(map[string]*CacheEntry),
	}
}

// SetDefaultZone sets the zone assumed for feed values that declare no TZID
// of their own. Empty keeps UTC.
func (s *Service) SetDefaultZone(zone string) {
	if zone == "" {
		zone = "UTC"
	}
	s.mu.Lock()
	s.defaultZone = zone
	s.mu.Unlock()
}

// SetLimits overrides the pipeline caps. Zero fields fall back to defaults.
func (s *Service) SetLimits(l Limits) {
	l.applyDefaults()
	s.mu.Lock()
	s.limits = l
	s.fetcher = ics.NewFetcher(l.HTTPTimeout)
	s.mu.Unlock()
}

// Limits returns the effective limits.
func (s *Service) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// WarmCache loads persisted entries into the in-memory cache. Missing
// persistence is a no-op.
func (s *Service) WarmCache() {
	if s.persist == nil {
		return
	}
	entries, err := s.persist.LoadAll()
	if err != nil {
		appLog.Error("cache warm start failed", err)
		return
	}

	s.mu.Lock()
	for _, e := range entries {
		s.cache[e.URL] = &CacheEntry{
			Events:        e.Events,
			LastModified:  e.LastModified,
			ETag:          e.ETag,
			FetchedAt:     e.FetchedAt,
			ContentLength: e.ContentLength,
			Fingerprint:   e.Fingerprint,
		}
	}
	n := len(s.cache)
	s.mu.Unlock()

	appLog.Info("cache warmed from store", "entries", n)
}

// GetEvents returns occurrences from url that overlap the window starting
// at windowStart (0 means now) and spanning windowDays, sorted by start,
// deduplicated by value, and truncated to maxEvents.
//
// A cache entry younger than the validity duration answers without any
// network traffic. Otherwise the fetch pipeline runs; on failure the prior
// entry, if any, serves as fallback, and only with no cache at all is an
// empty result returned.
func (s *Service) GetEvents(ctx context.Context, url string, maxEvents int, windowStart int64, windowDays int) []model.Event {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if windowStart == 0 {
		windowStart = time.Now().Unix()
	}
	if windowDays <= 0 {
		windowDays = defaultWindowDays
	}
	windowEnd := windowStart + int64(windowDays)*86400

	canonical := ics.CanonicalizeURL(url)

	s.mu.Lock()
	limits := s.limits
	entry := s.cache[canonical]
	s.mu.Unlock()

	if entry != nil && time.Now().Unix()-entry.FetchedAt < int64(limits.CacheValidity.Seconds()) {
		return filterEvents(entry.Events, windowStart, windowEnd, maxEvents)
	}

	events, err := s.refresh(ctx, canonical, windowStart, windowEnd)
	if err != nil || len(events) == 0 {
		if err != nil {
			appLog.Error("calendar refresh failed", err, "url", canonical)
		}
		if entry != nil {
			return filterEvents(entry.Events, windowStart, windowEnd, maxEvents)
		}
		return []model.Event{}
	}

	return filterEvents(events, windowStart, windowEnd, maxEvents)
}

// refresh re-validates or re-fetches one canonical URL and returns the
// materialized event list for the window.
func (s *Service) refresh(ctx context.Context, canonical string, windowStart, windowEnd int64) ([]model.Event, error) {
	s.mu.Lock()
	limits := s.limits
	fetcher := s.fetcher
	defaultZone := s.defaultZone
	entry := s.cache[canonical]
	s.mu.Unlock()

	if entry != nil && s.isFresh(ctx, canonical, entry, fetcher, limits) {
		appLog.Debug("cache entry still fresh", "url", canonical)
		return entry.Events, nil
	}

	res, err := fetcher.Get(ctx, canonical)
	if err != nil {
		return nil, err
	}

	scanner := ics.NewScanner(s.zones, defaultZone, limits.MaxDescriptionLength)
	records := scanner.Parse(res.Body)

	events := ics.Expand(records, s.zones, ics.ExpandConfig{
		WindowStart:            windowStart,
		WindowEnd:              windowEnd,
		MaxIterations:          limits.MaxRecurrenceIterations,
		MaxOccurrencesPerEvent: limits.MaxOccurrencesPerEvent,
		MaxRDATECount:          limits.MaxRDATECount,
	})

	newEntry := &CacheEntry{
		Events:        events,
		LastModified:  res.LastModified,
		ETag:          res.ETag,
		FetchedAt:     time.Now().Unix(),
		ContentLength: len(res.Body),
		Fingerprint:   res.Fingerprint,
	}

	s.mu.Lock()
	s.cache[canonical] = newEntry
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Save(store.Entry{
			URL:           canonical,
			Events:        events,
			LastModified:  newEntry.LastModified,
			ETag:          newEntry.ETag,
			FetchedAt:     newEntry.FetchedAt,
			ContentLength: newEntry.ContentLength,
			Fingerprint:   newEntry.Fingerprint,
		}); err != nil {
			appLog.Error("cache persist failed", err, "url", canonical)
		}
	}

	appLog.Info("calendar refreshed", "url", canonical,
		"records", len(records), "events", len(events))
	return events, nil
}

// isFresh decides whether the cached entry still reflects the remote
// content without re-reading the body. Validators of the same kind on both
// sides decide directly; otherwise content length, and as a last resort a
// wall-clock staleness window.
func (s *Service) isFresh(ctx context.Context, canonical string, entry *CacheEntry, fetcher *ics.Fetcher, limits Limits) bool {
	head, err := fetcher.Head(ctx, canonical)
	if err != nil {
		appLog.Debug("freshness probe failed", "url", canonical, "err", err)
		head = ics.HeadResult{}
	}

	if head.LastModified != "" && entry.LastModified != "" && head.LastModified != entry.LastModified {
		return false
	}
	if head.ETag != "" && entry.ETag != "" && head.ETag != entry.ETag {
		return false
	}
	if (head.LastModified != "" && entry.LastModified != "") || (head.ETag != "" && entry.ETag != "") {
		return true
	}

	if head.ContentLength > 0 && entry.ContentLength > 0 {
		return head.ContentLength == entry.ContentLength
	}

	return time.Now().Unix()-entry.FetchedAt <= int64(limits.StaleAfter.Seconds())
}

// ClearCache drops every cache entry, in memory and persisted.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]*CacheEntry)
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Clear(); err != nil {
			appLog.Error("persistent cache clear failed", err)
		}
	}
}

// CacheInfo returns the cached canonical URLs, sorted.
func (s *Service) CacheInfo() []string {
	s.mu.Lock()
	urls := make([]string, 0, len(s.cache))
	for u := range s.cache {
		urls = append(urls, u)
	}
	s.mu.Unlock()

	sort.Strings(urls)
	return urls
}

// filterEvents applies the query contract to a materialized list: window
// overlap, value-based dedupe, and truncation. The input is already sorted
// by start instant.
func filterEvents(events []model.Event, windowStart, windowEnd int64, maxEvents int) []model.Event {
	out := make([]model.Event, 0, maxEvents)
	seen := make(map[uint64]struct{}, maxEvents)

	for _, e := range events {
		if e.End < windowStart || e.Start > windowEnd {
			continue
		}
		fp := e.Fingerprint()
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, e)
		if len(out) >= maxEvents {
			break
		}
	}

	return out
}
