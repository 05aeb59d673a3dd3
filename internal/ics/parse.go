package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "helicare/internal/log"
	"helicare/internal/model"
)

// maxCountExpansion bounds how far a COUNT rule is walked to find its end.
const maxCountExpansion = 5000

// ParseSchedules reads VEVENTs back into schedule definitions.
//
//   - UIDs of the form "<id>@helicare" give back the schedule id; other
//     UIDs are used as-is.
//   - RRULE FREQ=DAILY/WEEKLY/MONTHLY with interval 1 maps onto the
//     matching frequency; anything else becomes "custom".
//   - UNTIL becomes recurring_until; a COUNT rule is walked with rrule-go
//     to find its last instance.
//
// Events that cannot be read are logged and skipped.
func ParseSchedules(body []byte, loc *time.Location) ([]model.Schedule, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("ics: empty body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ics: parse calendar: %w", err)
	}

	out := make([]model.Schedule, 0)
	for _, ve := range cal.Events() {
		s, perr := parseEvent(ve, loc)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr)
			continue
		}
		out = append(out, s)
	}
	appLog.Debug("ics parse completed", "event_count", len(out))
	return out, nil
}

func parseEvent(ve *ical.VEvent, loc *time.Location) (model.Schedule, error) {
	var s model.Schedule

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return s, errors.New("missing UID")
	}
	s.ScheduleID = strings.TrimSuffix(uidProp.Value, uidDomain)

	start, err := ve.GetStartAt()
	if err != nil {
		return s, fmt.Errorf("uid %s: %w", uidProp.Value, err)
	}
	s.StartTime = model.NewTimestamp(start.In(loc))
	if end, err := ve.GetEndAt(); err == nil {
		s.EndTime = model.NewTimestamp(end.In(loc))
	} else {
		s.EndTime = s.StartTime
	}

	s.Title = propValue(ve, ical.ComponentPropertySummary)
	s.Description = propValue(ve, ical.ComponentPropertyDescription)
	s.Location = propValue(ve, ical.ComponentPropertyLocation)
	s.ResidentID = propValue(ve, propResident)
	s.ActivityType = propValue(ve, propActivityType)

	raw := propValue(ve, ical.ComponentPropertyRrule)
	if raw == "" {
		s.Frequency = model.Frequency(propValue(ve, propFrequency))
		if s.Frequency == "" {
			s.Frequency = model.FrequencyOneTime
		}
		return s, nil
	}

	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return s, fmt.Errorf("uid %s: rrule %q: %w", uidProp.Value, raw, err)
	}
	s.IsRecurring = true
	s.Frequency = frequencyOf(opt)

	switch {
	case !opt.Until.IsZero():
		until := model.NewTimestamp(opt.Until.In(loc))
		s.RecurringUntil = &until
	case opt.Count > 0:
		if last, ok := lastInstance(*opt, start); ok {
			until := model.NewTimestamp(last.In(loc))
			s.RecurringUntil = &until
		}
	}
	return s, nil
}

func frequencyOf(opt *rrule.ROption) model.Frequency {
	if opt.Interval > 1 || len(opt.Byweekday) > 0 || len(opt.Bymonthday) > 0 {
		return model.FrequencyCustom
	}
	switch opt.Freq {
	case rrule.DAILY:
		return model.FrequencyDaily
	case rrule.WEEKLY:
		return model.FrequencyWeekly
	case rrule.MONTHLY:
		return model.FrequencyMonthly
	default:
		return model.FrequencyCustom
	}
}

// lastInstance walks a COUNT-bounded rule from dtstart.
func lastInstance(opt rrule.ROption, dtstart time.Time) (time.Time, bool) {
	opt.Dtstart = dtstart
	if opt.Count > maxCountExpansion {
		opt.Count = maxCountExpansion
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return time.Time{}, false
	}
	all := r.All()
	if len(all) == 0 {
		return time.Time{}, false
	}
	return all[len(all)-1], true
}

func propValue(ve *ical.VEvent, p ical.ComponentProperty) string {
	if prop := ve.GetProperty(p); prop != nil {
		return prop.Value
	}
	return ""
}
