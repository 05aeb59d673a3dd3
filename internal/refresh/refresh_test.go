package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"helicare/internal/api"
	"helicare/internal/config"
	"helicare/internal/metrics"
	"helicare/internal/model"
	"helicare/internal/session"
)

var loc = time.FixedZone("ICT", 7*3600)

type fakeBackend struct {
	mu sync.Mutex

	schedules    []model.Schedule
	schedulesErr error
	menu         model.WeeklyMenu
	menuErr      error
	logs         []model.CareLog

	gotScheduleFilter api.ScheduleFilter
	gotLogFilter      api.CareLogFilter
	gotWeekStart      time.Time
}

func (f *fakeBackend) ListSchedules(_ context.Context, filter api.ScheduleFilter) ([]model.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotScheduleFilter = filter
	return f.schedules, f.schedulesErr
}

func (f *fakeBackend) ListCareLogs(_ context.Context, filter api.CareLogFilter) ([]model.CareLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotLogFilter = filter
	return f.logs, nil
}

func (f *fakeBackend) GetWeeklyMenu(_ context.Context, weekStart time.Time) (model.WeeklyMenu, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotWeekStart = weekStart
	return f.menu, f.menuErr
}

type fakeAuth struct {
	store  *session.Store
	logins int
}

func (a *fakeAuth) Login(_ context.Context, email, _ string) (session.Session, error) {
	a.logins++
	sess := session.Session{AccessToken: "fresh", Profile: session.Profile{Email: email}}
	return sess, a.store.Save(sess)
}

func (a *fakeAuth) Sessions() *session.Store { return a.store }

func at(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, loc)
}

func ts(t time.Time) model.Timestamp { return model.NewTimestamp(t) }

func fixedNow() time.Time { return at(2024, 1, 3, 12) } // Wednesday

func TestRunBuildsSnapshot(t *testing.T) {
	until := ts(at(2024, 1, 31, 8))
	backend := &fakeBackend{
		schedules: []model.Schedule{
			{
				ScheduleID:     "walk",
				Title:          "Walk",
				StartTime:      ts(at(2024, 1, 1, 8)),
				EndTime:        ts(at(2024, 1, 1, 9)),
				IsRecurring:    true,
				Frequency:      model.FrequencyDaily,
				RecurringUntil: &until,
			},
			{
				ScheduleID: "visit",
				Title:      "Doctor",
				StartTime:  ts(at(2024, 1, 4, 7)),
				EndTime:    ts(at(2024, 1, 4, 8)),
			},
		},
		menu: model.WeeklyMenu{Items: []model.MenuItem{
			{DayOfWeek: "Monday", MealSlot: "Breakfast", DishName: "Cháo"},
			{DayOfWeek: "Friday", MealSlot: "Lunch", DishName: "Cơm"},
		}},
		logs: []model.CareLog{
			{CareLogID: "l1", Title: "Breakfast", StartTime: ts(at(2024, 1, 1, 7)), Notes: "ăn hết", FoodItems: "Cháo"},
		},
	}

	m := metrics.New()
	r := New(Options{
		Backend:      backend,
		Location:     loc,
		HorizonDays:  2,
		BackfillDays: 1,
		ResidentID:   "r1",
		Metrics:      m,
		Now:          fixedNow,
	})

	_, ok := r.Snapshot()
	require.False(t, ok)

	snap, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.LastError())

	require.True(t, snap.RangeStart.Equal(at(2024, 1, 2, 0)))
	require.Equal(t, 2024, snap.RangeEnd.Year())
	require.Equal(t, 5, snap.RangeEnd.Day())

	// Walk on Jan 2..5 plus the doctor visit on Jan 4, ordered by start.
	require.Len(t, snap.Occurrences, 5)
	require.Equal(t, "walk", snap.Occurrences[0].ScheduleID)
	require.Equal(t, "visit", snap.Occurrences[2].ScheduleID)
	for i := 1; i < len(snap.Occurrences); i++ {
		require.False(t, snap.Occurrences[i].StartTime.Time().Before(snap.Occurrences[i-1].StartTime.Time()))
	}

	require.NotNil(t, snap.Week)
	require.Len(t, snap.Week.Entries, 2)
	require.Equal(t, 1.0, snap.Week.Entries[0].Consumption.Ratio)
	// Friday is still ahead of the fixed now and is not averaged.
	require.Equal(t, 1, snap.Week.Counted)

	require.Equal(t, "r1", backend.gotScheduleFilter.ResidentID)
	require.Equal(t, "meal", backend.gotLogFilter.Type)
	require.True(t, backend.gotWeekStart.Equal(at(2024, 1, 1, 0)))
	require.True(t, backend.gotLogFilter.To.Equal(at(2024, 1, 7, 0)))

	stored, ok := r.Snapshot()
	require.True(t, ok)
	require.Len(t, stored.Occurrences, 5)
}

func TestRunKeepsSnapshotWithoutMenu(t *testing.T) {
	backend := &fakeBackend{menuErr: errors.New("menu down")}
	r := New(Options{Backend: backend, Location: loc, Now: fixedNow})

	snap, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, snap.Week)
	require.Empty(t, snap.Occurrences)
}

func TestRunFailureKeepsPreviousSnapshot(t *testing.T) {
	backend := &fakeBackend{}
	r := New(Options{Backend: backend, Location: loc, Now: fixedNow})

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	backend.schedulesErr = errors.New("backend down")
	_, err = r.Run(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, r.LastError(), backend.schedulesErr)

	_, ok := r.Snapshot()
	require.True(t, ok)
}

func TestRunSignsInWhenSessionMissing(t *testing.T) {
	auth := &fakeAuth{store: session.NewStore("")}
	r := New(Options{
		Backend:     &fakeBackend{},
		Auth:        auth,
		Credentials: &config.CredentialsConfig{Email: "staff@helicare.vn", Password: "x"},
		Location:    loc,
		Now:         fixedNow,
	})

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, auth.logins)

	_, err = r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, auth.logins)
}

func TestStartRejectsBadSpec(t *testing.T) {
	r := New(Options{Backend: &fakeBackend{}, Location: loc})
	_, err := r.Start(context.Background(), "not a cron spec")
	require.Error(t, err)
}

func TestOnSnapshotCalledAfterSuccessfulRun(t *testing.T) {
	backend := &fakeBackend{}
	var got []Snapshot
	r := New(Options{
		Backend:    backend,
		Location:   loc,
		Now:        fixedNow,
		OnSnapshot: func(s Snapshot) { got = append(got, s) },
	})

	snap, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].GeneratedAt.Equal(snap.GeneratedAt))

	backend.schedulesErr = errors.New("backend down")
	_, err = r.Run(context.Background())
	require.Error(t, err)
	require.Len(t, got, 1)
}
