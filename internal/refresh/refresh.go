// Package refresh periodically pulls schedules, the weekly menu and meal
// logs from the backend and keeps the expanded result in memory.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"helicare/internal/api"
	"helicare/internal/config"
	appLog "helicare/internal/log"
	"helicare/internal/metrics"
	"helicare/internal/model"
	"helicare/internal/nutrition"
	"helicare/internal/schedule"
	"helicare/internal/session"
)

// Backend is the part of the REST client the runner reads from.
type Backend interface {
	ListSchedules(ctx context.Context, f api.ScheduleFilter) ([]model.Schedule, error)
	ListCareLogs(ctx context.Context, f api.CareLogFilter) ([]model.CareLog, error)
	GetWeeklyMenu(ctx context.Context, weekStart time.Time) (model.WeeklyMenu, error)
}

// Authenticator signs in when there is no usable session.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (session.Session, error)
	Sessions() *session.Store
}

// mealLogType is the care log type meal entries are stored under.
const mealLogType = "meal"

// Snapshot is the result of one refresh.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`
	RangeStart  time.Time `json:"range_start"`
	RangeEnd    time.Time `json:"range_end"`
	ResidentID  string    `json:"resident_id,omitempty"`

	Schedules          []model.Schedule   `json:"schedules"`
	Occurrences        []model.Occurrence `json:"occurrences"`
	TruncatedSchedules []string           `json:"truncated_schedules,omitempty"`

	// Week is nil when the menu or the meal logs could not be fetched.
	Week *nutrition.WeekSummary `json:"week,omitempty"`
	Logs []model.CareLog        `json:"-"`
}

// Options configures a Runner.
type Options struct {
	Backend Backend

	// Auth and Credentials enable signing in before a refresh when the
	// stored session is missing or expired.
	Auth        Authenticator
	Credentials *config.CredentialsConfig

	Location       *time.Location
	HorizonDays    int
	BackfillDays   int
	ResidentID     string
	MaxOccurrences int

	Metrics *metrics.Metrics
	Now     func() time.Time

	// OnSnapshot, when set, is called after each successful run with the
	// stored snapshot.
	OnSnapshot func(Snapshot)
}

// Runner builds snapshots. Run may be called concurrently; the last
// finished run wins.
type Runner struct {
	opts Options

	mu       sync.RWMutex
	snapshot *Snapshot
	lastErr  error
}

func New(opts Options) *Runner {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = 7
	}
	if opts.BackfillDays < 0 {
		opts.BackfillDays = 0
	}
	return &Runner{opts: opts}
}

// Window returns the default refresh window around now: BackfillDays back
// and HorizonDays ahead, in whole days.
func (r *Runner) Window() (time.Time, time.Time) {
	now := r.opts.Now().In(r.opts.Location)
	start := model.StartOfDay(now.AddDate(0, 0, -r.opts.BackfillDays))
	end := model.EndOfDay(now.AddDate(0, 0, r.opts.HorizonDays))
	return start, end
}

// Run performs one refresh and stores the result. Schedules are required;
// a failing menu or meal log fetch only drops the week summary.
func (r *Runner) Run(ctx context.Context) (Snapshot, error) {
	started := time.Now()
	snap, err := r.build(ctx)
	elapsed := time.Since(started)

	r.opts.Metrics.ObserveRefresh(err == nil, elapsed, len(snap.Occurrences), len(snap.TruncatedSchedules))

	r.mu.Lock()
	r.lastErr = err
	if err == nil {
		r.snapshot = &snap
	}
	r.mu.Unlock()

	if err != nil {
		appLog.Error("refresh failed", err, "elapsed", elapsed.String())
		return Snapshot{}, err
	}
	appLog.Info("refresh completed",
		"occurrences", len(snap.Occurrences),
		"schedules", len(snap.Schedules),
		"truncated", len(snap.TruncatedSchedules),
		"week_summary", snap.Week != nil,
		"elapsed", elapsed.String(),
	)
	if r.opts.OnSnapshot != nil {
		r.opts.OnSnapshot(snap)
	}
	return snap, nil
}

func (r *Runner) build(ctx context.Context) (Snapshot, error) {
	if r.opts.Backend == nil {
		return Snapshot{}, errors.New("refresh: no backend configured")
	}
	if err := r.ensureSession(ctx); err != nil {
		return Snapshot{}, err
	}

	now := r.opts.Now().In(r.opts.Location)
	rangeStart, rangeEnd := r.Window()

	snap := Snapshot{
		GeneratedAt: now,
		RangeStart:  rangeStart,
		RangeEnd:    rangeEnd,
		ResidentID:  r.opts.ResidentID,
	}

	schedules, err := r.opts.Backend.ListSchedules(ctx, api.ScheduleFilter{
		ResidentID: r.opts.ResidentID,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("refresh: list schedules: %w", err)
	}
	snap.Schedules = schedules

	expanded, err := schedule.ExpandAll(schedules, schedule.ExpandConfig{
		RangeStart:                rangeStart,
		RangeEnd:                  rangeEnd,
		MaxOccurrencesPerSchedule: r.opts.MaxOccurrences,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("refresh: expand: %w", err)
	}
	snap.Occurrences = expanded.Occurrences
	snap.TruncatedSchedules = expanded.TruncatedSchedules

	week, logs, err := r.Week(ctx, nutrition.StartOfWeek(now), r.opts.ResidentID)
	if err != nil {
		appLog.Error("refresh: week summary unavailable", err)
	} else {
		snap.Week = &week
		snap.Logs = logs
	}
	return snap, nil
}

// Week fetches the menu and meal logs of the week starting at weekStart
// and summarizes them.
func (r *Runner) Week(ctx context.Context, weekStart time.Time, residentID string) (nutrition.WeekSummary, []model.CareLog, error) {
	weekStart = model.StartOfDay(weekStart.In(r.opts.Location))
	menu, err := r.opts.Backend.GetWeeklyMenu(ctx, weekStart)
	if err != nil {
		return nutrition.WeekSummary{}, nil, fmt.Errorf("weekly menu: %w", err)
	}
	logs, err := r.opts.Backend.ListCareLogs(ctx, api.CareLogFilter{
		ResidentID: residentID,
		Type:       mealLogType,
		From:       weekStart,
		To:         weekStart.AddDate(0, 0, 6),
	})
	if err != nil {
		return nutrition.WeekSummary{}, nil, fmt.Errorf("meal logs: %w", err)
	}
	now := r.opts.Now().In(r.opts.Location)
	return nutrition.SummarizeWeek(menu, logs, now), logs, nil
}

// ensureSession signs in with the configured credentials when the stored
// session is missing or expired. Without credentials it does nothing and
// the backend decides.
func (r *Runner) ensureSession(ctx context.Context) error {
	if r.opts.Auth == nil || r.opts.Credentials == nil || r.opts.Credentials.Email == "" {
		return nil
	}
	if r.opts.Auth.Sessions().Token(r.opts.Now()) != "" {
		return nil
	}
	appLog.Info("no valid session; signing in", "email", r.opts.Credentials.Email)
	if _, err := r.opts.Auth.Login(ctx, r.opts.Credentials.Email, r.opts.Credentials.Password); err != nil {
		return fmt.Errorf("refresh: sign in: %w", err)
	}
	return nil
}

// Snapshot returns the last successful snapshot.
func (r *Runner) Snapshot() (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot == nil {
		return Snapshot{}, false
	}
	return *r.snapshot, true
}

// LastError returns the error of the most recent run, nil if it succeeded.
func (r *Runner) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Start runs the refresh on spec until ctx is done. Overlapping runs are
// skipped rather than queued.
func (r *Runner) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(r.opts.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, func() {
		_, _ = r.Run(ctx)
	}); err != nil {
		return nil, fmt.Errorf("refresh: bad cron spec %q: %w", spec, err)
	}
	c.Start()
	appLog.Info("refresh scheduler started", "spec", spec, "timezone", r.opts.Location.String())

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		appLog.Info("refresh scheduler stopped")
	}()
	return c, nil
}

// cronLogger routes cron's own messages to the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
