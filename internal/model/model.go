package model

import "time"

// Frequency is the cadence of a recurring schedule as sent by the backend.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyOneTime Frequency = "one_time"
	FrequencyCustom  Frequency = "custom"
)

// Schedule represents one logical care or activity schedule before
// recurrence expansion. When IsRecurring is false it denotes exactly one
// occurrence.
type Schedule struct {
	ScheduleID    string `json:"schedule_id"`
	ResidentID    string `json:"resident_id,omitempty"`
	InstitutionID string `json:"institution_id,omitempty"`

	Title        string `json:"title"`
	ActivityType string `json:"activity_type,omitempty"`
	Description  string `json:"description,omitempty"`
	Location     string `json:"location,omitempty"`
	Notes        string `json:"notes,omitempty"`

	StartTime Timestamp `json:"start_time"`
	EndTime   Timestamp `json:"end_time"`

	IsRecurring    bool       `json:"is_recurring"`
	Frequency      Frequency  `json:"frequency,omitempty"`
	RecurringUntil *Timestamp `json:"recurring_until,omitempty"`
}

// Occurrence is a single concrete instance of a Schedule inside a view
// window. It shares the parent's identity; only the start/end pair differs.
type Occurrence struct {
	Schedule

	// InstanceKey distinguishes instances of the same schedule, derived
	// from the occurrence start.
	InstanceKey string `json:"instance_key"`
}

// NewOccurrence copies s with its times replaced by start/end.
func NewOccurrence(s Schedule, start, end Timestamp) Occurrence {
	s.StartTime = start
	s.EndTime = end
	return Occurrence{Schedule: s, InstanceKey: start.Key()}
}

// Care log statuses the consumption fallback understands.
const (
	CareLogStatusCompleted  = "completed"
	CareLogStatusInProgress = "in_progress"
	CareLogStatusPending    = "pending"
)

// CareLog is a staff-entered record about a resident. Meal logs carry free
// text that is mined for how much of the meal was eaten.
type CareLog struct {
	CareLogID  string `json:"care_log_id"`
	ResidentID string `json:"resident_id,omitempty"`
	StaffID    string `json:"staff_id,omitempty"`

	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`

	StartTime Timestamp `json:"start_time"`
	EndTime   Timestamp `json:"end_time"`
	Status    string    `json:"status,omitempty"`

	Quantity  FlexString `json:"quantity,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	FoodItems FlexString `json:"food_items,omitempty"`
	MealType  string     `json:"meal_type,omitempty"`
}

// MenuItem is one dish planned for a meal slot on a weekday.
// DayOfWeek is either a weekday name or a numeric index.
type MenuItem struct {
	MenuItemID string     `json:"menu_item_id,omitempty"`
	DayOfWeek  FlexString `json:"day_of_week"`
	MealSlot   string     `json:"meal_slot"`
	DishName   string     `json:"dish_name"`
	Calories   float64    `json:"calories,omitempty"`
}

// WeeklyMenu groups the menu items for the week starting on WeekStart.
type WeeklyMenu struct {
	MenuID    string     `json:"menu_id,omitempty"`
	WeekStart Timestamp  `json:"week_start"`
	Items     []MenuItem `json:"items"`
}

// ConsumptionInfo is the derived estimate of how much of a meal was eaten.
type ConsumptionInfo struct {
	Label string   `json:"label"`
	Ratio float64  `json:"ratio"`
	Log   *CareLog `json:"log,omitempty"`
}

// Resident is the subset of the resident record the service needs.
type Resident struct {
	ResidentID  string    `json:"resident_id"`
	FullName    string    `json:"full_name"`
	RoomID      string    `json:"room_id,omitempty"`
	Gender      string    `json:"gender,omitempty"`
	DateOfBirth Timestamp `json:"date_of_birth"`
}

// Envelope is the {message, data} wrapper used by every backend response
// and by this service's own JSON API.
type Envelope[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// StartOfDay returns t at 00:00:00.000 in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay returns t at 23:59:59.999 in t's location.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(999*time.Millisecond), t.Location())
}

// SameDate reports whether a and b fall on the same calendar date in loc.
func SameDate(a, b time.Time, loc *time.Location) bool {
	if loc != nil {
		a = a.In(loc)
		b = b.In(loc)
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
