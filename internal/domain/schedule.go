package domain

import (
	"fmt"
	"regexp"
	"time"
)

// Weekday numbering follows cron and the Telegram client UI:
// 0=Sunday .. 6=Saturday.
const (
	MinDay = 0
	MaxDay = 6
)

var dayNames = [7]string{
	"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday",
}

// timeRe accepts 24-hour HH:MM with an optional leading zero on the hour.
var timeRe = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)

// IsValidTime reports whether s is a well-formed 24-hour HH:MM string.
func IsValidTime(s string) bool {
	return timeRe.MatchString(s)
}

// DayName returns the English weekday name for day, or the number itself
// when out of range.
func DayName(day int) string {
	if day < MinDay || day > MaxDay {
		return fmt.Sprintf("day %d", day)
	}
	return dayNames[day]
}

// Slot is one weekly recurrence: a weekday plus a minute-precision time.
type Slot struct {
	Day  int    // 0=Sunday .. 6=Saturday
	Time string // "HH:MM", 24-hour
}

func (s Slot) Validate() error {
	if s.Day < MinDay || s.Day > MaxDay {
		return fmt.Errorf("%w: day %d out of range 0..6", ErrValidation, s.Day)
	}
	if !IsValidTime(s.Time) {
		return fmt.Errorf("%w: time %q is not HH:MM", ErrValidation, s.Time)
	}
	return nil
}

func (s Slot) String() string {
	return fmt.Sprintf("%s %s", DayName(s.Day), s.Time)
}

// ValidateSlots checks every slot and rejects duplicate (day, time) pairs.
func ValidateSlots(slots []Slot) error {
	seen := make(map[Slot]struct{}, len(slots))
	for _, sl := range slots {
		if err := sl.Validate(); err != nil {
			return err
		}
		if _, dup := seen[sl]; dup {
			return fmt.Errorf("%w: duplicate slot %s", ErrValidation, sl)
		}
		seen[sl] = struct{}{}
	}
	return nil
}

// ScheduleRecord is the persisted aggregate: at most one per group.
type ScheduleRecord struct {
	GroupKey  string
	Slots     []Slot
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Group mirrors a chat the bot is a member of.
type Group struct {
	TelegramID string
	Name       string
	Type       string // "group" or "supergroup"
	BotRole    string // "member" or "administrator"
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Draft is the in-progress schedule assembled during one conversation.
// It lives only in session state and is discarded on cancel or commit.
type Draft struct {
	GroupKey    string
	Slots       []Slot
	SelectedDay int // scratch while awaiting time entry; -1 when unset
}

// HasDay reports whether the draft already holds a slot for day.
func (d *Draft) HasDay(day int) bool {
	for _, sl := range d.Slots {
		if sl.Day == day {
			return true
		}
	}
	return false
}

// SetSlot appends a slot, replacing any earlier slot for the same day.
// One time per day is what the day-toggle UI implies.
func (d *Draft) SetSlot(day int, timeStr string) {
	for i := range d.Slots {
		if d.Slots[i].Day == day {
			d.Slots[i].Time = timeStr
			return
		}
	}
	d.Slots = append(d.Slots, Slot{Day: day, Time: timeStr})
}
