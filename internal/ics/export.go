// Package ics renders schedules as iCalendar feeds and reads them back.
package ics

import (
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "helicare/internal/log"
	"helicare/internal/model"
	"helicare/internal/schedule"
)

const (
	productID  = "-//HeLiCare//Care Schedule//VI"
	uidDomain  = "@helicare"
	propPrefix = "X-HELICARE-"

	propResident     ical.ComponentProperty = propPrefix + "RESIDENT-ID"
	propActivityType ical.ComponentProperty = propPrefix + "ACTIVITY-TYPE"
	propFrequency    ical.ComponentProperty = propPrefix + "FREQUENCY"
	propInstance     ical.ComponentProperty = propPrefix + "INSTANCE"
)

// OccurrenceUID is the UID of one expanded instance.
func OccurrenceUID(o model.Occurrence) string {
	return o.ScheduleID + "-" + o.InstanceKey + uidDomain
}

// ScheduleUID is the UID of a schedule definition.
func ScheduleUID(s model.Schedule) string {
	return s.ScheduleID + uidDomain
}

func newCalendar(name string) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if name != "" {
		cal.SetName(name)
		cal.SetXWRCalName(name)
	}
	return cal
}

// ExportOccurrences renders one VEVENT per occurrence. Occurrences with an
// invalid start are skipped; DTSTART is mandatory in a feed.
func ExportOccurrences(name string, occ []model.Occurrence, now time.Time) string {
	cal := newCalendar(name)
	skipped := 0
	for _, o := range occ {
		if !o.StartTime.Valid() {
			skipped++
			continue
		}
		ev := cal.AddEvent(OccurrenceUID(o))
		fillEvent(ev, o.Schedule, now)
		ev.SetProperty(propInstance, o.InstanceKey)
	}
	if skipped > 0 {
		appLog.Info("ics export skipped occurrences without start", "count", skipped)
	}
	return cal.Serialize()
}

// ExportSchedules renders schedule definitions. Recurring schedules with a
// cadence and an until date carry an RRULE so calendar clients expand them
// themselves.
func ExportSchedules(name string, schedules []model.Schedule, now time.Time) string {
	cal := newCalendar(name)
	for _, s := range schedules {
		if !s.StartTime.Valid() {
			continue
		}
		ev := cal.AddEvent(ScheduleUID(s))
		fillEvent(ev, s, now)

		rule, err := RRule(s)
		if err != nil {
			appLog.Error("ics rrule build failed", err, "schedule_id", s.ScheduleID)
			continue
		}
		if rule != "" {
			ev.AddRrule(rule)
		}
	}
	return cal.Serialize()
}

func fillEvent(ev *ical.VEvent, s model.Schedule, now time.Time) {
	ev.SetDtStampTime(now)
	ev.SetStartAt(s.StartTime.Time())
	if s.EndTime.Valid() {
		ev.SetEndAt(s.EndTime.Time())
	}
	ev.SetSummary(s.Title)
	if s.Description != "" {
		ev.SetDescription(s.Description)
	} else if s.Notes != "" {
		ev.SetDescription(s.Notes)
	}
	if s.Location != "" {
		ev.SetLocation(s.Location)
	}
	if s.ResidentID != "" {
		ev.SetProperty(propResident, s.ResidentID)
	}
	if s.ActivityType != "" {
		ev.SetProperty(propActivityType, s.ActivityType)
	}
	if s.Frequency != "" {
		ev.SetProperty(propFrequency, string(s.Frequency))
	}
}

var errNoUntil = errors.New("recurring schedule has no valid until")

// RRule returns the RRULE value (without the "RRULE:" prefix) for s, or ""
// when s does not recur. Only cadences the expansion understands recur.
func RRule(s model.Schedule) (string, error) {
	if !s.IsRecurring {
		return "", nil
	}
	if _, ok := schedule.Cadence(s.Frequency); !ok {
		return "", nil
	}
	if s.RecurringUntil == nil || !s.RecurringUntil.Valid() {
		return "", errNoUntil
	}

	opt := rrule.ROption{
		Freq:  rruleFreq(s.Frequency),
		Until: s.RecurringUntil.Time().UTC(),
	}
	return strings.TrimPrefix(opt.RRuleString(), "RRULE:"), nil
}

func rruleFreq(f model.Frequency) rrule.Frequency {
	switch f {
	case model.FrequencyDaily:
		return rrule.DAILY
	case model.FrequencyWeekly:
		return rrule.WEEKLY
	default:
		return rrule.MONTHLY
	}
}
