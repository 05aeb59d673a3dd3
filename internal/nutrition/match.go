package nutrition

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"helicare/internal/model"
)

// dayOffsets maps weekday spellings onto their offset from Monday.
var dayOffsets = map[string]int{
	"monday": 0, "mon": 0, "thứ 2": 0, "thứ hai": 0, "t2": 0,
	"tuesday": 1, "tue": 1, "thứ 3": 1, "thứ ba": 1, "t3": 1,
	"wednesday": 2, "wed": 2, "thứ 4": 2, "thứ tư": 2, "t4": 2,
	"thursday": 3, "thu": 3, "thứ 5": 3, "thứ năm": 3, "t5": 3,
	"friday": 4, "fri": 4, "thứ 6": 4, "thứ sáu": 4, "t6": 4,
	"saturday": 5, "sat": 5, "thứ 7": 5, "thứ bảy": 5, "t7": 5,
	"sunday": 6, "sun": 6, "chủ nhật": 6, "cn": 6,
}

// slotKeywords lists the words that identify a meal slot in menu items
// and care logs.
var slotKeywords = map[string][]string{
	"breakfast": {"breakfast", "sáng", "morning"},
	"lunch":     {"lunch", "trưa", "midday"},
	"dinner":    {"dinner", "tối", "evening", "supper"},
	"snack":     {"snack", "phụ", "xế", "afternoon"},
}

// slotOrder keeps slot detection deterministic.
var slotOrder = []string{"breakfast", "lunch", "dinner", "snack"}

func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}

// DayOffset resolves a day_of_week value to its offset from Monday.
// Names are English or Vietnamese; numeric values follow Date.getDay()
// (0 = Sunday ... 6 = Saturday).
func DayOffset(day string) (int, bool) {
	key := normalizeText(day)
	if key == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(key); err == nil {
		if n < 0 || n > 6 {
			return 0, false
		}
		return (n + 6) % 7, true
	}
	key = strings.Join(strings.Fields(key), " ")
	off, ok := dayOffsets[key]
	return off, ok
}

// StartOfWeek returns the Monday 00:00 of t's week in t's location.
func StartOfWeek(t time.Time) time.Time {
	day := model.StartOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// TargetDate is the calendar date a menu item refers to inside the week
// that starts on weekStart.
func TargetDate(weekStart time.Time, day string) (time.Time, bool) {
	off, ok := DayOffset(day)
	if !ok {
		return time.Time{}, false
	}
	return model.StartOfDay(weekStart).AddDate(0, 0, off), true
}

// slotTerms returns the keywords that stand for the slot named in s. An
// unrecognised slot name is its own keyword.
func slotTerms(s string) []string {
	text := normalizeText(s)
	if text == "" {
		return nil
	}
	for _, slot := range slotOrder {
		for _, kw := range slotKeywords[slot] {
			if strings.Contains(text, kw) {
				return slotKeywords[slot]
			}
		}
	}
	return []string{text}
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if t != "" && strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// MatchMenuItemLog finds the care log recording item in the week starting
// at weekStart. Candidates are narrowed from same-day logs to the matching
// meal slot and then to logs naming the dish; a narrowing step that would
// leave nothing is skipped. The first remaining log in list order wins.
// It returns nil when no log falls on the target date.
func MatchMenuItemLog(item model.MenuItem, weekStart time.Time, logs []model.CareLog) *model.CareLog {
	target, ok := TargetDate(weekStart, item.DayOfWeek.String())
	if !ok {
		return nil
	}
	loc := weekStart.Location()

	sameDay := make([]int, 0)
	for i := range logs {
		if !logs[i].StartTime.Valid() {
			continue
		}
		if model.SameDate(logs[i].StartTime.Time(), target, loc) {
			sameDay = append(sameDay, i)
		}
	}
	if len(sameDay) == 0 {
		return nil
	}

	candidates := sameDay

	if terms := slotTerms(item.MealSlot); len(terms) > 0 {
		bySlot := filterLogs(logs, candidates, func(l *model.CareLog) bool {
			return containsAny(normalizeText(l.MealType+" "+l.Title), terms)
		})
		if len(bySlot) > 0 {
			candidates = bySlot
		}
	}

	if dish := normalizeText(item.DishName); dish != "" {
		byDish := filterLogs(logs, candidates, func(l *model.CareLog) bool {
			return strings.Contains(normalizeText(l.FoodItems.String()), dish) ||
				strings.Contains(normalizeText(l.Title), dish)
		})
		if len(byDish) > 0 {
			candidates = byDish
		}
	}

	return &logs[candidates[0]]
}

func filterLogs(logs []model.CareLog, idx []int, keep func(*model.CareLog) bool) []int {
	out := make([]int, 0, len(idx))
	for _, i := range idx {
		if keep(&logs[i]) {
			out = append(out, i)
		}
	}
	return out
}
