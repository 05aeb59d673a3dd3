package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"helicare/internal/model"
	"helicare/internal/schedule"
)

var testLoc = time.FixedZone("ICT", 7*3600)

func ts(y int, m time.Month, d, h, min int) model.Timestamp {
	return model.NewTimestamp(time.Date(y, m, d, h, min, 0, 0, testLoc))
}

func tsPtr(y int, m time.Month, d, h, min int) *model.Timestamp {
	t := ts(y, m, d, h, min)
	return &t
}

func TestRRule(t *testing.T) {
	daily := model.Schedule{
		ScheduleID:     "s1",
		IsRecurring:    true,
		Frequency:      model.FrequencyDaily,
		StartTime:      ts(2024, 1, 1, 8, 0),
		RecurringUntil: tsPtr(2024, 1, 7, 8, 0),
	}
	rule, err := RRule(daily)
	require.NoError(t, err)
	require.Contains(t, rule, "FREQ=DAILY")
	require.Contains(t, rule, "UNTIL=20240107T010000Z")

	oneOff := daily
	oneOff.IsRecurring = false
	rule, err = RRule(oneOff)
	require.NoError(t, err)
	require.Empty(t, rule)

	custom := daily
	custom.Frequency = model.FrequencyCustom
	rule, err = RRule(custom)
	require.NoError(t, err)
	require.Empty(t, rule)

	noUntil := daily
	noUntil.RecurringUntil = nil
	_, err = RRule(noUntil)
	require.Error(t, err)
}

func TestExportOccurrences(t *testing.T) {
	s := model.Schedule{
		ScheduleID:     "walk",
		ResidentID:     "r1",
		Title:          "Morning walk",
		ActivityType:   "exercise",
		StartTime:      ts(2024, 1, 1, 8, 0),
		EndTime:        ts(2024, 1, 1, 9, 0),
		IsRecurring:    true,
		Frequency:      model.FrequencyDaily,
		RecurringUntil: tsPtr(2024, 1, 3, 8, 0),
	}
	occ := schedule.Expand(s, time.Date(2024, 1, 1, 0, 0, 0, 0, testLoc), time.Date(2024, 1, 10, 0, 0, 0, 0, testLoc))
	require.Len(t, occ, 3)

	broken := model.Occurrence{Schedule: model.Schedule{ScheduleID: "broken"}}
	out := ExportOccurrences("HeLiCare", append(occ, broken), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	require.Contains(t, out, "BEGIN:VCALENDAR")
	require.Contains(t, out, "X-WR-CALNAME:HeLiCare")
	require.Equal(t, 3, strings.Count(out, "BEGIN:VEVENT"))
	require.Contains(t, out, "UID:"+OccurrenceUID(occ[0]))
	require.Contains(t, out, "DTSTART:20240102T010000Z")
	require.Contains(t, out, "X-HELICARE-RESIDENT-ID:r1")
	require.NotContains(t, out, "broken")
	require.NotContains(t, out, "RRULE")
}

func TestExportAndParseSchedulesRoundTrip(t *testing.T) {
	schedules := []model.Schedule{
		{
			ScheduleID:     "s-weekly",
			ResidentID:     "r1",
			Title:          "Physiotherapy",
			ActivityType:   "therapy",
			StartTime:      ts(2024, 1, 1, 14, 0),
			EndTime:        ts(2024, 1, 1, 15, 0),
			IsRecurring:    true,
			Frequency:      model.FrequencyWeekly,
			RecurringUntil: tsPtr(2024, 2, 26, 14, 0),
		},
		{
			ScheduleID: "s-once",
			Title:      "Doctor visit",
			StartTime:  ts(2024, 1, 5, 9, 30),
			EndTime:    ts(2024, 1, 5, 10, 0),
			Frequency:  model.FrequencyOneTime,
		},
	}
	body := ExportSchedules("HeLiCare", schedules, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Contains(t, body, "RRULE:FREQ=WEEKLY")

	parsed, err := ParseSchedules([]byte(body), testLoc)
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	byID := map[string]model.Schedule{}
	for _, s := range parsed {
		byID[s.ScheduleID] = s
	}

	weekly := byID["s-weekly"]
	require.True(t, weekly.IsRecurring)
	require.Equal(t, model.FrequencyWeekly, weekly.Frequency)
	require.Equal(t, "Physiotherapy", weekly.Title)
	require.Equal(t, "r1", weekly.ResidentID)
	require.Equal(t, "therapy", weekly.ActivityType)
	require.True(t, weekly.StartTime.Time().Equal(schedules[0].StartTime.Time()))
	require.NotNil(t, weekly.RecurringUntil)
	require.True(t, weekly.RecurringUntil.Time().Equal(schedules[0].RecurringUntil.Time()))

	once := byID["s-once"]
	require.False(t, once.IsRecurring)
	require.Equal(t, model.FrequencyOneTime, once.Frequency)
	require.True(t, once.EndTime.Time().Equal(schedules[1].EndTime.Time()))
}

func TestParseSchedulesForeignFeed(t *testing.T) {
	body := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Example//EN",
		"BEGIN:VEVENT",
		"UID:count-rule",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240101T010000Z",
		"DTEND:20240101T020000Z",
		"SUMMARY:Medication",
		"RRULE:FREQ=DAILY;COUNT=3",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:biweekly",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240101T010000Z",
		"SUMMARY:Family visit",
		"RRULE:FREQ=WEEKLY;INTERVAL=2;UNTIL=20240301T000000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240101T010000Z",
		"SUMMARY:No uid",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")

	parsed, err := ParseSchedules([]byte(body), time.UTC)
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	require.Equal(t, "count-rule", parsed[0].ScheduleID)
	require.Equal(t, model.FrequencyDaily, parsed[0].Frequency)
	require.NotNil(t, parsed[0].RecurringUntil)
	require.True(t, parsed[0].RecurringUntil.Time().Equal(time.Date(2024, 1, 3, 1, 0, 0, 0, time.UTC)))

	// The count-derived until makes expansion produce exactly the rule's instances.
	occ := schedule.Expand(parsed[0], time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.Len(t, occ, 3)

	require.Equal(t, model.FrequencyCustom, parsed[1].Frequency)
	require.True(t, parsed[1].IsRecurring)
	// No DTEND: the event is instantaneous.
	require.True(t, parsed[1].EndTime.Time().Equal(parsed[1].StartTime.Time()))
}

func TestParseSchedulesEmpty(t *testing.T) {
	_, err := ParseSchedules([]byte("  "), nil)
	require.Error(t, err)
}
