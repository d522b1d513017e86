package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	DateFormat  = "2006-01-02"
	ClockFormat = "15:04"

	MinutesPerDay = 24 * 60
)

// Clock is a wall-clock time expressed as minutes after midnight.
type Clock int

// ParseClock accepts HH:MM. "24:00" is allowed so a window can run to the end
// of the day; callers reject it as a start time.
func ParseClock(s string) (Clock, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hh, err := strconv.Atoi(s[:2])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(s[3:])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if hh == 24 && mm == 0 {
		return Clock(MinutesPerDay), nil
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return Clock(hh*60 + mm), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// TimeWindow is the half-open interval [Start, End) on a calendar date.
type TimeWindow struct {
	Date  string `json:"date"`
	Start Clock  `json:"start_time"`
	End   Clock  `json:"end_time"`
}

func (w TimeWindow) Duration() time.Duration {
	return time.Duration(w.End-w.Start) * time.Minute
}

// Overlaps reports whether two windows share any instant. Windows that only
// touch at an endpoint do not overlap.
func (w TimeWindow) Overlaps(o TimeWindow) bool {
	return w.Date == o.Date && w.Start < o.End && o.Start < w.End
}

// Day returns midnight of the window's date in loc.
func (w TimeWindow) Day(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(DateFormat, w.Date, loc)
}

// StartAt is the wall-clock start in loc. On DST transition days the instant
// follows the local clock, not a fixed offset from midnight.
func (w TimeWindow) StartAt(loc *time.Location) (time.Time, error) {
	return w.at(w.Start, loc)
}

// EndAt is the wall-clock end in loc. 24:00 resolves to the next midnight.
func (w TimeWindow) EndAt(loc *time.Location) (time.Time, error) {
	return w.at(w.End, loc)
}

func (w TimeWindow) at(c Clock, loc *time.Location) (time.Time, error) {
	day, err := w.Day(loc)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, day.Location()), nil
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("%s %s-%s", w.Date, w.Start, w.End)
}
