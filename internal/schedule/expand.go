package schedule

import (
	"cmp"
	"errors"
	"slices"
	"time"

	appLog "helicare/internal/log"
	"helicare/internal/model"
)

const (
	defaultMaxOccurrencesPerSchedule = 5000
)

// Step is the amount a recurring schedule advances between occurrences.
type Step struct {
	Months int
	Days   int
}

// Cadence maps a frequency onto its advance step. Only daily, weekly and
// monthly recur; every other value (one_time, custom, unknown) reports
// false and stops expansion after the first instance.
func Cadence(f model.Frequency) (Step, bool) {
	switch f {
	case model.FrequencyDaily:
		return Step{Days: 1}, true
	case model.FrequencyWeekly:
		return Step{Days: 7}, true
	case model.FrequencyMonthly:
		return Step{Months: 1}, true
	default:
		return Step{}, false
	}
}

// Expand projects s onto the whole-day window [startDate, endDate] and
// returns its occurrences in start order. The result always holds at
// least one element: non-recurring schedules, schedules without an end
// of recurrence, and schedules that produce nothing inside the window all
// come back as the original schedule.
//
// Monthly cadence uses calendar month increment with overflow, so a
// schedule starting Jan 31 continues on Mar 3 (non-leap year) and keeps
// the drifted day from then on.
func Expand(s model.Schedule, startDate, endDate time.Time) []model.Occurrence {
	occ, _ := expand(s, startDate, endDate, 0)
	return occ
}

// expand implements Expand with an optional cap on emitted occurrences;
// limit <= 0 disables it. The bool result reports whether the cap was hit.
func expand(s model.Schedule, startDate, endDate time.Time, limit int) ([]model.Occurrence, bool) {
	original := []model.Occurrence{model.NewOccurrence(s, s.StartTime, s.EndTime)}

	if !s.IsRecurring || s.RecurringUntil == nil {
		return original, false
	}

	viewStart := model.StartOfDay(startDate)
	viewEnd := model.EndOfDay(endDate)
	until := *s.RecurringUntil

	out := make([]model.Occurrence, 0)
	currentStart := s.StartTime
	currentEnd := s.EndTime
	hitCap := false

	for until.Valid() && currentStart.AtOrBefore(until.Time()) && currentStart.AtOrBefore(viewEnd) {
		// Any instance that starts or is still running at viewStart counts.
		if currentStart.AtOrAfter(viewStart) || currentEnd.AtOrAfter(viewStart) {
			if limit > 0 && len(out) >= limit {
				hitCap = true
				break
			}
			out = append(out, model.NewOccurrence(s, currentStart, currentEnd))
		}

		step, ok := Cadence(s.Frequency)
		if !ok {
			break
		}
		currentStart = currentStart.AddDate(0, step.Months, step.Days)
		currentEnd = currentEnd.AddDate(0, step.Months, step.Days)
	}

	if len(out) == 0 {
		return original, false
	}
	return out, hitCap
}

// ExpandConfig controls how a batch of schedules is expanded.
type ExpandConfig struct {
	// RangeStart / RangeEnd are the view window; both are widened to whole
	// days in their own location.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerSchedule is a safety cap for very wide windows. If
	// zero, defaultMaxOccurrencesPerSchedule is used.
	MaxOccurrencesPerSchedule int
}

// ExpandResult wraps the expanded occurrences and the schedules that were
// truncated by the cap.
type ExpandResult struct {
	Occurrences        []model.Occurrence
	TruncatedSchedules []string
}

// ExpandAll expands every schedule into the configured window and returns
// the occurrences ordered by start time. Ties keep input order. Occurrences
// with an unparsable start sort last.
func ExpandAll(schedules []model.Schedule, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	// The window covers whole days, so only the dates are compared.
	if model.StartOfDay(cfg.RangeEnd).Before(model.StartOfDay(cfg.RangeStart)) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerSchedule <= 0 {
		cfg.MaxOccurrencesPerSchedule = defaultMaxOccurrencesPerSchedule
	}

	all := make([]model.Occurrence, 0, len(schedules))
	for _, s := range schedules {
		occ, hitCap := expand(s, cfg.RangeStart, cfg.RangeEnd, cfg.MaxOccurrencesPerSchedule)
		if hitCap {
			result.TruncatedSchedules = append(result.TruncatedSchedules, s.ScheduleID)
			appLog.Error("expand: truncated occurrences for schedule due to cap",
				errors.New("max occurrences reached"),
				"schedule_id", s.ScheduleID,
				"cap", cfg.MaxOccurrencesPerSchedule,
			)
		}
		all = append(all, occ...)
	}

	slices.SortStableFunc(all, compareStart)

	result.Occurrences = all
	return result, nil
}

func compareStart(a, b model.Occurrence) int {
	as, bs := a.StartTime, b.StartTime
	switch {
	case !as.Valid() && !bs.Valid():
		return 0
	case !as.Valid():
		return 1
	case !bs.Valid():
		return -1
	}
	return cmp.Compare(as.Time().UnixNano(), bs.Time().UnixNano())
}
