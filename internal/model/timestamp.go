package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"
)

var defaultLoc atomic.Pointer[time.Location]

// SetDefaultLocation sets the zone used when decoding backend times that
// carry no offset. nil restores time.Local.
func SetDefaultLocation(loc *time.Location) {
	defaultLoc.Store(loc)
}

// DefaultLocation returns the zone used for zone-less JSON times.
func DefaultLocation() *time.Location {
	if loc := defaultLoc.Load(); loc != nil {
		return loc
	}
	return time.Local
}

// Layouts accepted from the backend, tried in order. Zone-less layouts are
// interpreted in the location passed to ParseTimestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Timestamp is a backend time value that may be invalid. An unparsable
// string decodes to an invalid Timestamp instead of failing the whole
// payload; comparisons involving an invalid Timestamp are always false.
type Timestamp struct {
	t     time.Time
	valid bool
}

// NewTimestamp wraps a valid time.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t, valid: true}
}

// ParseTimestamp parses s using the accepted layouts. Zone-less values are
// placed in loc (time.Local when nil).
func ParseTimestamp(s string, loc *time.Location) Timestamp {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339Nano {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, loc)
		}
		if err == nil {
			return NewTimestamp(t)
		}
	}
	return Timestamp{}
}

func (ts Timestamp) Time() time.Time { return ts.t }
func (ts Timestamp) Valid() bool     { return ts.valid }

// Before reports ts < other; false if either side is invalid.
func (ts Timestamp) Before(other Timestamp) bool {
	return ts.valid && other.valid && ts.t.Before(other.t)
}

// AtOrBefore reports ts <= t; false when ts is invalid.
func (ts Timestamp) AtOrBefore(t time.Time) bool {
	return ts.valid && !ts.t.After(t)
}

// AtOrAfter reports ts >= t; false when ts is invalid.
func (ts Timestamp) AtOrAfter(t time.Time) bool {
	return ts.valid && !ts.t.Before(t)
}

// AddDate advances a valid timestamp; invalid stays invalid.
func (ts Timestamp) AddDate(years, months, days int) Timestamp {
	if !ts.valid {
		return ts
	}
	return NewTimestamp(ts.t.AddDate(years, months, days))
}

// Key renders a stable per-instance key, empty when invalid.
func (ts Timestamp) Key() string {
	if !ts.valid {
		return ""
	}
	return ts.t.Format(time.RFC3339)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if !ts.valid {
		return []byte("null"), nil
	}
	return json.Marshal(ts.t.Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*ts = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Non-string values (numbers, objects) are treated like any other
		// unparsable date.
		*ts = Timestamp{}
		return nil
	}
	*ts = ParseTimestamp(s, DefaultLocation())
	return nil
}

// FlexString accepts a JSON string, number, bool, null or an array of
// those, flattening arrays with ", ". The backend is not consistent about
// fields such as quantity and food_items.
type FlexString string

func (f FlexString) String() string { return string(f) }

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		parts := make([]string, 0, len(items))
		for _, raw := range items {
			var item FlexString
			if err := item.UnmarshalJSON(raw); err != nil {
				return err
			}
			if item != "" {
				parts = append(parts, string(item))
			}
		}
		*f = FlexString(strings.Join(parts, ", "))
	case '{':
		// Objects such as {"name": "Cháo"} contribute their name.
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*f = FlexString(obj.Name)
	default:
		*f = FlexString(data)
	}
	return nil
}
