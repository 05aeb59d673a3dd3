package nutrition

import (
	"time"

	"helicare/internal/model"
)

// MealEntry is one menu item with the care log matched to it.
type MealEntry struct {
	Item        model.MenuItem        `json:"item"`
	Date        model.Timestamp       `json:"date"`
	Consumption model.ConsumptionInfo `json:"consumption"`
}

// WeekSummary is the consumption picture of a weekly menu.
type WeekSummary struct {
	WeekStart time.Time   `json:"week_start"`
	Entries   []MealEntry `json:"entries"`

	// AverageRatio averages the entries dated on or before now; Counted is
	// how many took part.
	AverageRatio float64 `json:"average_ratio"`
	Counted      int     `json:"counted"`
}

// SummarizeWeek matches each menu item against logs and derives its
// consumption. Menus without a usable week_start are placed in the week
// containing now.
func SummarizeWeek(menu model.WeeklyMenu, logs []model.CareLog, now time.Time) WeekSummary {
	weekStart := StartOfWeek(now)
	if menu.WeekStart.Valid() {
		weekStart = model.StartOfDay(menu.WeekStart.Time().In(now.Location()))
	}

	summary := WeekSummary{
		WeekStart: weekStart,
		Entries:   make([]MealEntry, 0, len(menu.Items)),
	}

	today := model.EndOfDay(now)
	total := 0.0

	for _, item := range menu.Items {
		entry := MealEntry{Item: item}

		date, ok := TargetDate(weekStart, item.DayOfWeek.String())
		if ok {
			entry.Date = model.NewTimestamp(date)
		}

		entry.Consumption = DeriveConsumption(MatchMenuItemLog(item, weekStart, logs))

		if ok && !date.After(today) {
			total += entry.Consumption.Ratio
			summary.Counted++
		}
		summary.Entries = append(summary.Entries, entry)
	}

	if summary.Counted > 0 {
		summary.AverageRatio = total / float64(summary.Counted)
	}
	return summary
}
