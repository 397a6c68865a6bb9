// Package web serves the week view and feed status over a small JSON API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"weekcal/internal/calendar"
	"weekcal/internal/config"
	"weekcal/internal/feed"
	"weekcal/internal/ics"
	appLog "weekcal/internal/log"
	"weekcal/internal/model"
)

const dateLayout = "2006-01-02"

// Feeds is the part of feed.Manager the API reads from.
type Feeds interface {
	States() []model.FeedState
	Events() []model.Event
	RefreshAll(ctx context.Context) error
	Refresh(ctx context.Context, feedID string) error
}

// Server provides the HTTP API.
//
//	GET  /health
//	GET  /api/week?start=YYYY-MM-DD
//	GET  /api/feeds
//	POST /api/refresh
//	POST /api/feeds/{id}/refresh
type Server struct {
	feeds Feeds
	loc   *time.Location
	auth  *config.BasicAuthConfig
	mux   *http.ServeMux
	now   func() time.Time
}

// Options configures a Server. Location defaults to time.Local.
type Options struct {
	Location  *time.Location
	BasicAuth *config.BasicAuthConfig
	Now       func() time.Time
}

// NewServer constructs a new Server.
func NewServer(feeds Feeds, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		feeds: feeds,
		loc:   opts.Location,
		auth:  opts.BasicAuth,
		mux:   http.NewServeMux(),
		now:   opts.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "user", s.auth.Username)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/week", s.handleWeek)
	s.mux.HandleFunc("GET /api/feeds", s.handleFeeds)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefreshAll)
	s.mux.HandleFunc("POST /api/feeds/{id}/refresh", s.handleRefreshFeed)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// feedDTO is the JSON view of a FeedState without its events.
type feedDTO struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Color       string     `json:"color"`
	Revision    uint64     `json:"revision"`
	EventCount  int        `json:"event_count"`
	OK          bool       `json:"ok"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
}

func toFeedDTO(st model.FeedState) feedDTO {
	dto := feedDTO{
		ID:          st.FeedID,
		Name:        st.Name,
		Color:       st.Color,
		Revision:    st.Revision,
		EventCount:  len(st.Events),
		OK:          st.Err == nil,
		LastAttempt: optionalTime(st.LastAttempt),
		LastSuccess: optionalTime(st.LastSuccess),
	}
	if st.Err != nil {
		dto.Error = st.Err.Error()
		if kind := ics.KindOf(st.Err); kind != 0 {
			dto.ErrorKind = kind.String()
		}
	}
	return dto
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func feedDTOs(states []model.FeedState) []feedDTO {
	out := make([]feedDTO, 0, len(states))
	for _, st := range states {
		out = append(out, toFeedDTO(st))
	}
	return out
}

// weekResponse is the JSON response shape for /api/week.
type weekResponse struct {
	calendar.Week
	Timezone    string    `json:"timezone"`
	FailedFeeds []feedDTO `json:"failed_feeds"`
}

// handleWeek returns the Mon-Fri week containing ?start (default: today in
// the display timezone), bucketed by local day.
func (s *Server) handleWeek(w http.ResponseWriter, r *http.Request) {
	day := s.now().In(s.loc)
	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := time.ParseInLocation(dateLayout, raw, s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	states := s.feeds.States()
	failed := make([]feedDTO, 0)
	for _, st := range states {
		if st.Err != nil {
			failed = append(failed, toFeedDTO(st))
		}
	}

	week := calendar.Build(s.feeds.Events(), calendar.StartOfWeek(day, s.loc), s.loc)

	writeJSON(w, http.StatusOK, weekResponse{
		Week:        week,
		Timezone:    s.loc.String(),
		FailedFeeds: failed,
	})
}

func (s *Server) handleFeeds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, feedDTOs(s.feeds.States()))
}

// handleRefreshAll refreshes every feed and reports the resulting states.
// Feed failures are part of the payload, not an HTTP error.
func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	if err := s.feeds.RefreshAll(r.Context()); err != nil {
		appLog.Warn("api refresh: some feeds failed", "err", err)
	}
	writeJSON(w, http.StatusOK, feedDTOs(s.feeds.States()))
}

func (s *Server) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.feeds.Refresh(r.Context(), id)
	switch {
	case errors.Is(err, feed.ErrUnknownFeed):
		writeError(w, http.StatusNotFound, "unknown feed")
		return
	case errors.Is(err, feed.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	for _, st := range s.feeds.States() {
		if st.FeedID == id {
			writeJSON(w, http.StatusOK, toFeedDTO(st))
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown feed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
