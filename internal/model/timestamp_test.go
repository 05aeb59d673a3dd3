package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTimestampLayouts(t *testing.T) {
	loc := time.FixedZone("ICT", 7*3600)

	cases := map[string]time.Time{
		"2024-01-03T07:00:00Z":      time.Date(2024, 1, 3, 7, 0, 0, 0, time.UTC),
		"2024-01-03T07:00:00+07:00": time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		"2024-01-03T07:00":          time.Date(2024, 1, 3, 7, 0, 0, 0, loc),
		"2024-01-03 07:00:00":       time.Date(2024, 1, 3, 7, 0, 0, 0, loc),
		"2024-01-03":                time.Date(2024, 1, 3, 0, 0, 0, 0, loc),
	}
	for in, want := range cases {
		ts := ParseTimestamp(in, loc)
		require.True(t, ts.Valid(), in)
		require.True(t, want.Equal(ts.Time()), "%s: got %s", in, ts.Time())
	}

	require.False(t, ParseTimestamp("not a date", loc).Valid())
	require.False(t, ParseTimestamp("", loc).Valid())
}

func TestZonelessJSONUsesDefaultLocation(t *testing.T) {
	ict := time.FixedZone("ICT", 7*3600)
	SetDefaultLocation(ict)
	t.Cleanup(func() { SetDefaultLocation(nil) })

	var got struct {
		Local Timestamp `json:"local"`
		UTC   Timestamp `json:"utc"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"local":"2024-01-03T18:30","utc":"2024-01-03T18:30:00Z"}`), &got))

	require.True(t, time.Date(2024, 1, 3, 18, 30, 0, 0, ict).Equal(got.Local.Time()))
	_, offset := got.Local.Time().Zone()
	require.Equal(t, 7*3600, offset)
	require.True(t, time.Date(2024, 1, 3, 18, 30, 0, 0, time.UTC).Equal(got.UTC.Time()))

	SetDefaultLocation(nil)
	require.Equal(t, time.Local, DefaultLocation())
}

func TestInvalidTimestampComparisonsAreFalse(t *testing.T) {
	var bad Timestamp
	now := time.Now()
	good := NewTimestamp(now)

	require.False(t, bad.AtOrBefore(now))
	require.False(t, bad.AtOrAfter(now))
	require.False(t, bad.Before(good))
	require.False(t, good.Before(bad))
	require.False(t, bad.AddDate(0, 0, 1).Valid())
	require.Empty(t, bad.Key())
}

func TestScheduleJSONTolerant(t *testing.T) {
	payload := `{
		"schedule_id": "s1",
		"title": "Physio",
		"start_time": "garbage",
		"end_time": null,
		"is_recurring": true,
		"frequency": "daily",
		"recurring_until": "2024-01-10"
	}`

	var s Schedule
	require.NoError(t, json.Unmarshal([]byte(payload), &s))
	require.Equal(t, "s1", s.ScheduleID)
	require.False(t, s.StartTime.Valid())
	require.False(t, s.EndTime.Valid())
	require.NotNil(t, s.RecurringUntil)
	require.True(t, s.RecurringUntil.Valid())

	out, err := json.Marshal(s)
	require.NoError(t, err)
	require.Contains(t, string(out), `"start_time":null`)
}

func TestFlexStringShapes(t *testing.T) {
	var log CareLog
	payload := `{"quantity": 3, "food_items": ["Cháo", {"name": "Sữa"}, null]}`
	require.NoError(t, json.Unmarshal([]byte(payload), &log))
	require.Equal(t, FlexString("3"), log.Quantity)
	require.Equal(t, FlexString("Cháo, Sữa"), log.FoodItems)

	var item MenuItem
	require.NoError(t, json.Unmarshal([]byte(`{"day_of_week": 3}`), &item))
	require.Equal(t, "3", item.DayOfWeek.String())
}

func TestDayBounds(t *testing.T) {
	loc := time.FixedZone("ICT", 7*3600)
	ts := time.Date(2024, 1, 3, 15, 4, 5, 0, loc)

	require.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, loc), StartOfDay(ts))
	require.Equal(t, time.Date(2024, 1, 3, 23, 59, 59, 999000000, loc), EndOfDay(ts))
	require.True(t, SameDate(ts, time.Date(2024, 1, 3, 23, 0, 0, 0, loc), loc))
	require.False(t, SameDate(ts, time.Date(2024, 1, 4, 0, 0, 0, 0, loc), loc))
}
