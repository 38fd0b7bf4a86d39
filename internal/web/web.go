// Package web exposes the query API over HTTP JSON for the rendering layer.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"picocal/internal/calendar"
	"picocal/internal/config"
	appLog "picocal/internal/log"
	"picocal/internal/model"
)

// Server serves /health, /api/events and /api/cache.
type Server struct {
	cfg *config.Config
	svc *calendar.Service
	mux *http.ServeMux
}

// NewServer constructs a Server over the given service.
func NewServer(cfg *config.Config, svc *calendar.Service) *Server {
	s := &Server{
		cfg: cfg,
		svc: svc,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler, wrapped with basic auth when
// configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password counts as disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="picocal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.HandleFunc("/api/cache", s.handleCache)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventDTO is the JSON view of one occurrence.
type eventDTO struct {
	Start       int64  `json:"start"`
	End         int64  `json:"end"`
	StartUTC    string `json:"start_utc"`
	EndUTC      string `json:"end_utc"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	TZID        string `json:"tzid"`
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events      []eventDTO `json:"events"`
	WindowStart int64      `json:"window_start"`
	WindowDays  int        `json:"window_days"`
	Count       int        `json:"count"`
}

// handleEvents returns materialized occurrences.
//
// GET /api/events?url=...&days=31&max=40&start=<unix>
//   - url:   a single feed URL; omitted means every configured feed
//   - days:  window length in days (default from config)
//   - max:   maximum events returned (default from config)
//   - start: window start as unix seconds (default now)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	days := parseIntDefault(q.Get("days"), s.cfg.WindowDays)
	if days <= 0 {
		days = s.cfg.WindowDays
	}
	maxEvents := parseIntDefault(q.Get("max"), s.cfg.MaxEvents)
	if maxEvents <= 0 {
		maxEvents = s.cfg.MaxEvents
	}
	windowStart := int64(parseIntDefault(q.Get("start"), 0))

	urls := make([]string, 0, len(s.cfg.Feeds))
	if u := q.Get("url"); u != "" {
		urls = append(urls, u)
	} else {
		for _, f := range s.cfg.Feeds {
			if f.URL != "" {
				urls = append(urls, f.URL)
			}
		}
	}

	if windowStart == 0 {
		windowStart = time.Now().Unix()
	}

	events := make([]model.Event, 0, maxEvents)
	for _, u := range urls {
		events = append(events, s.svc.GetEvents(ctx, u, maxEvents, windowStart, days)...)
	}

	// Feeds come back individually sorted; merge, re-sort and truncate.
	sortEvents(events)
	if len(events) > maxEvents {
		events = events[:maxEvents]
	}

	dtos := make([]eventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, eventDTO{
			Start:       e.Start,
			End:         e.End,
			StartUTC:    time.Unix(e.Start, 0).UTC().Format(time.RFC3339),
			EndUTC:      time.Unix(e.End, 0).UTC().Format(time.RFC3339),
			Summary:     e.Summary,
			Description: e.Description,
			TZID:        e.TZID,
		})
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Events:      dtos,
		WindowStart: windowStart,
		WindowDays:  days,
		Count:       len(dtos),
	})
}

// cacheResponse is the JSON response shape for /api/cache.
type cacheResponse struct {
	CachedURLs []string `json:"cached_urls"`
}

// handleCache reports the cached canonical URLs; DELETE clears the cache.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		s.svc.ClearCache()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, cacheResponse{CachedURLs: s.svc.CacheInfo()})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func sortEvents(events []model.Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].Less(events[j]) })
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}
