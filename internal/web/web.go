// Package web serves the expanded care calendar, the weekly nutrition
// summary and consumption estimates over HTTP.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"helicare/internal/api"
	"helicare/internal/config"
	"helicare/internal/ics"
	appLog "helicare/internal/log"
	"helicare/internal/metrics"
	"helicare/internal/model"
	"helicare/internal/nutrition"
	"helicare/internal/refresh"
	"helicare/internal/schedule"
)

const (
	responseCacheTTL = 30 * time.Second
	maxRequestBody   = 1 << 20
	shutdownTimeout  = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	Config  *config.Config
	Runner  *refresh.Runner
	Backend refresh.Backend
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Server provides the HTTP API.
type Server struct {
	cfg     *config.Config
	loc     *time.Location
	runner  *refresh.Runner
	backend refresh.Backend
	metrics *metrics.Metrics
	now     func() time.Time
	router  chi.Router

	// Per-query response cache so repeated UI polling does not refetch
	// and re-expand on every request.
	cacheMu sync.RWMutex
	cache   map[string]cachedResponse
}

type cachedResponse struct {
	contentType string
	body        []byte
	storedAt    time.Time
}

// NewServer constructs a new Server.
func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	loc, err := cfg.Location()
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", cfg.Timezone)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		cfg:     cfg,
		loc:     loc,
		runner:  opts.Runner,
		backend: opts.Backend,
		metrics: opts.Metrics,
		now:     now,
		cache:   make(map[string]cachedResponse),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(s.metrics))
	r.Use(recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Health and metrics stay open even when basic auth is on.
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
			r.Use(basicAuth(s.cfg.BasicAuth.Username, s.cfg.BasicAuth.Password))
		}
		r.Get("/occurrences", s.handleOccurrences)
		r.Get("/calendar.ics", s.handleCalendar)
		r.Get("/nutrition/week", s.handleNutritionWeek)
		r.Post("/consumption", s.handleConsumption)
	})

	return r
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// occurrencesResponse is the data of GET /api/occurrences.
type occurrencesResponse struct {
	Occurrences        []model.Occurrence `json:"occurrences"`
	TruncatedSchedules []string           `json:"truncated_schedules,omitempty"`
	RangeStart         time.Time          `json:"range_start"`
	RangeEnd           time.Time          `json:"range_end"`
	Timezone           string             `json:"timezone"`
	GeneratedAt        time.Time          `json:"generated_at"`
}

// handleOccurrences returns expanded occurrences for a window.
//
// GET /api/occurrences?start=2024-01-01&end=2024-01-07&resident_id=...
//
// Without parameters the last refresh snapshot is served when there is one.
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	if s.serveCached(w, r) {
		return
	}
	resp, err := s.occurrences(r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeCachedJSON(w, r, model.Envelope[occurrencesResponse]{Message: "ok", Data: resp})
}

// handleCalendar renders the same occurrences as an iCalendar feed.
// view=schedules exports definitions with RRULEs instead.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	if s.serveCached(w, r) {
		return
	}
	var body string
	if r.URL.Query().Get("view") == "schedules" {
		schedules, err := s.schedules(r)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		body = ics.ExportSchedules(s.cfg.CalendarName, schedules, s.now())
	} else {
		resp, err := s.occurrences(r)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		body = ics.ExportOccurrences(s.cfg.CalendarName, resp.Occurrences, s.now())
	}
	s.store(r, "text/calendar; charset=utf-8", []byte(body))
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

// handleNutritionWeek returns the consumption summary of a weekly menu.
//
// GET /api/nutrition/week?week_start=2024-01-01&resident_id=...
func (s *Server) handleNutritionWeek(w http.ResponseWriter, r *http.Request) {
	if s.serveCached(w, r) {
		return
	}
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "backend not configured")
		return
	}

	q := r.URL.Query()
	weekStart := nutrition.StartOfWeek(s.now().In(s.loc))
	if v := q.Get("week_start"); v != "" {
		ts := model.ParseTimestamp(v, s.loc)
		if !ts.Valid() {
			writeError(w, http.StatusBadRequest, "invalid week_start")
			return
		}
		weekStart = ts.Time()
	}
	residentID := q.Get("resident_id")
	if residentID == "" {
		residentID = s.cfg.ResidentID
	}

	summary, _, err := s.runner.Week(r.Context(), weekStart, residentID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeCachedJSON(w, r, model.Envelope[nutrition.WeekSummary]{Message: "ok", Data: summary})
}

// handleConsumption derives the consumption of a posted care log. The
// body is a care log object or null.
func (s *Server) handleConsumption(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var log *model.CareLog
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &log); err != nil {
			writeError(w, http.StatusBadRequest, "invalid care log")
			return
		}
	}

	info := nutrition.DeriveConsumption(log)
	writeJSON(w, http.StatusOK, model.Envelope[model.ConsumptionInfo]{Message: "ok", Data: info})
}

// window reads start/end/resident_id, defaulting to the refresh window.
func (s *Server) window(r *http.Request) (start, end time.Time, residentID string, explicit bool, err error) {
	q := r.URL.Query()
	if s.runner != nil {
		start, end = s.runner.Window()
	} else {
		now := s.now().In(s.loc)
		start = model.StartOfDay(now.AddDate(0, 0, -s.cfg.BackfillDays))
		end = model.EndOfDay(now.AddDate(0, 0, s.cfg.HorizonDays))
	}

	if v := q.Get("start"); v != "" {
		ts := model.ParseTimestamp(v, s.loc)
		if !ts.Valid() {
			return start, end, "", false, errBadRequest("invalid start")
		}
		start, explicit = ts.Time(), true
	}
	if v := q.Get("end"); v != "" {
		ts := model.ParseTimestamp(v, s.loc)
		if !ts.Valid() {
			return start, end, "", false, errBadRequest("invalid end")
		}
		end, explicit = ts.Time(), true
	}
	if model.StartOfDay(end).Before(model.StartOfDay(start)) {
		return start, end, "", false, errBadRequest("end is before start")
	}

	residentID = q.Get("resident_id")
	if residentID != "" && residentID != s.cfg.ResidentID {
		explicit = true
	}
	if residentID == "" {
		residentID = s.cfg.ResidentID
	}
	return start, end, residentID, explicit, nil
}

func (s *Server) occurrences(r *http.Request) (occurrencesResponse, error) {
	start, end, residentID, explicit, err := s.window(r)
	if err != nil {
		return occurrencesResponse{}, err
	}

	if !explicit && s.runner != nil {
		if snap, ok := s.runner.Snapshot(); ok {
			return occurrencesResponse{
				Occurrences:        snap.Occurrences,
				TruncatedSchedules: snap.TruncatedSchedules,
				RangeStart:         snap.RangeStart,
				RangeEnd:           snap.RangeEnd,
				Timezone:           s.loc.String(),
				GeneratedAt:        snap.GeneratedAt,
			}, nil
		}
	}

	if s.backend == nil {
		return occurrencesResponse{}, errUnavailable
	}
	schedules, err := s.backend.ListSchedules(r.Context(), api.ScheduleFilter{ResidentID: residentID})
	if err != nil {
		return occurrencesResponse{}, err
	}
	res, err := schedule.ExpandAll(schedules, schedule.ExpandConfig{
		RangeStart:                start,
		RangeEnd:                  end,
		MaxOccurrencesPerSchedule: s.cfg.MaxOccurrencesPerSchedule,
	})
	if err != nil {
		return occurrencesResponse{}, errBadRequest(err.Error())
	}

	appLog.Debug("api occurrences request",
		"range_start", start.Format(time.RFC3339),
		"range_end", end.Format(time.RFC3339),
		"resident_id", residentID,
		"count", len(res.Occurrences),
	)
	return occurrencesResponse{
		Occurrences:        res.Occurrences,
		TruncatedSchedules: res.TruncatedSchedules,
		RangeStart:         model.StartOfDay(start),
		RangeEnd:           model.EndOfDay(end),
		Timezone:           s.loc.String(),
		GeneratedAt:        s.now(),
	}, nil
}

func (s *Server) schedules(r *http.Request) ([]model.Schedule, error) {
	_, _, residentID, explicit, err := s.window(r)
	if err != nil {
		return nil, err
	}
	if !explicit && s.runner != nil {
		if snap, ok := s.runner.Snapshot(); ok {
			return snap.Schedules, nil
		}
	}
	if s.backend == nil {
		return nil, errUnavailable
	}
	return s.backend.ListSchedules(r.Context(), api.ScheduleFilter{ResidentID: residentID})
}

// serveCached writes a fresh cached response for r, if any.
func (s *Server) serveCached(w http.ResponseWriter, r *http.Request) bool {
	key := r.URL.RequestURI()
	s.cacheMu.RLock()
	c, ok := s.cache[key]
	s.cacheMu.RUnlock()
	if !ok || s.now().Sub(c.storedAt) >= responseCacheTTL {
		return false
	}
	w.Header().Set("Content-Type", c.contentType)
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(c.body)
	return true
}

func (s *Server) store(r *http.Request, contentType string, body []byte) {
	now := s.now()
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for k, c := range s.cache {
		if now.Sub(c.storedAt) >= responseCacheTTL {
			delete(s.cache, k)
		}
	}
	s.cache[r.URL.RequestURI()] = cachedResponse{contentType: contentType, body: body, storedAt: now}
}

func (s *Server) writeCachedJSON(w http.ResponseWriter, r *http.Request, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		appLog.Error("failed to encode JSON response", err)
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	const ct = "application/json; charset=utf-8"
	s.store(r, ct, body)
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// InvalidateCache drops every cached response; called after a refresh.
func (s *Server) InvalidateCache() {
	s.cacheMu.Lock()
	clear(s.cache)
	s.cacheMu.Unlock()
}

type badRequestError string

func (e badRequestError) Error() string { return string(e) }

func errBadRequest(msg string) error { return badRequestError(msg) }

var errUnavailable = errors.New("backend not configured")

// writeFailure maps handler errors onto envelope responses. Backend 422s
// keep their field errors; other backend failures are a bad gateway.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var (
		bad    badRequestError
		valErr *api.ValidationError
		apiErr *api.APIError
	)
	switch {
	case errors.As(err, &bad):
		writeError(w, http.StatusBadRequest, bad.Error())
	case errors.Is(err, errUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &valErr):
		writeJSON(w, http.StatusUnprocessableEntity, model.Envelope[map[string]string]{
			Message: valErr.Message,
			Data:    valErr.Fields,
		})
	case errors.As(err, &apiErr) && apiErr.Unauthorized():
		writeError(w, http.StatusBadGateway, "backend session rejected")
	case errors.As(err, &apiErr):
		appLog.Error("backend request failed", err, "status", apiErr.Status)
		writeError(w, http.StatusBadGateway, "backend request failed")
	default:
		appLog.Error("request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.Envelope[any]{Message: msg})
}
