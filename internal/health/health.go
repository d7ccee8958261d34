// Package health derives project and task health signals from upstream dates.
// Every function is pure; results are recomputed on each aggregation.
package health

import (
	"math"
	"strings"
	"time"
)

type CommStatus string

const (
	CommActive    CommStatus = "active"
	CommAttention CommStatus = "attention"
	CommStale     CommStatus = "stale"
	CommUnknown   CommStatus = "unknown"
)

type AssignmentStatus string

const (
	NotInQueue       AssignmentStatus = "not_in_queue"
	UnknownEntryTime AssignmentStatus = "unknown_entry_time"
	OnTime           AssignmentStatus = "on_time"
	Overdue          AssignmentStatus = "overdue"
)

// Thresholds are inclusive business-day ceilings for active and attention.
type Thresholds struct {
	Active    int
	Attention int
}

// Policy bundles the thresholds used by the classifiers.
type Policy struct {
	Rush           Thresholds
	Normal         Thresholds
	RushQueueMax   int
	NormalQueueMax int
	UpcomingDays   int
	DueSoonDays    int
	IdleFloorDays  int
}

func DefaultPolicy() Policy {
	return Policy{
		Rush:           Thresholds{Active: 1, Attention: 2},
		Normal:         Thresholds{Active: 3, Attention: 4},
		RushQueueMax:   0,
		NormalQueueMax: 1,
		UpcomingDays:   30,
		DueSoonDays:    7,
		IdleFloorDays:  7,
	}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// BusinessDaysBetween counts the weekdays after from's calendar day up to
// and including to's, with both truncated to midnight in their own zone.
// Only Saturday and Sunday are skipped. It is 0 when to is not after from.
func BusinessDaysBetween(from, to time.Time) int {
	start := midnight(from)
	end := midnight(to.In(from.Location()))
	if !end.After(start) {
		return 0
	}
	days := 0
	for d := start.AddDate(0, 0, 1); !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days++
		}
	}
	return days
}

// IsRush reports whether a status label marks a rush project.
func IsRush(status string) bool {
	return strings.Contains(strings.ToLower(status), "rush")
}

// IsQueue reports whether a status label is one of the assignment-queue statuses.
func IsQueue(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	return s == "queue" || s == "rush - queue"
}

// Communication classifies the gap since the last message. The second
// return value is the business-day gap, or -1 when unknown.
func Communication(last *time.Time, now time.Time, rush bool, p Policy) (CommStatus, int) {
	if last == nil {
		return CommUnknown, -1
	}
	th := p.Normal
	if rush {
		th = p.Rush
	}
	gap := BusinessDaysBetween(*last, now)
	switch {
	case gap <= th.Active:
		return CommActive, gap
	case gap <= th.Attention:
		return CommAttention, gap
	default:
		return CommStale, gap
	}
}

// Assignment reports whether a queued project has waited too long to be
// assigned. entered is when the project entered the queue. The second
// return value is the business days waited.
func Assignment(status string, entered *time.Time, now time.Time, p Policy) (AssignmentStatus, int) {
	if !IsQueue(status) {
		return NotInQueue, 0
	}
	if entered == nil {
		return UnknownEntryTime, 0
	}
	max := p.NormalQueueMax
	if IsRush(status) {
		max = p.RushQueueMax
	}
	waited := BusinessDaysBetween(*entered, now)
	if waited > max {
		return Overdue, waited
	}
	return OnTime, waited
}

// DaysBetween returns floor((b - a) / 24h).
func DaysBetween(a, b time.Time) int {
	return int(math.Floor(b.Sub(a).Hours() / 24))
}

// IdleDays is the calendar-day gap since last activity, reported only when
// it exceeds the idle floor.
func IdleDays(lastActivity, now time.Time, p Policy) int {
	d := DaysBetween(lastActivity, now)
	if d > p.IdleFloorDays {
		return d
	}
	return 0
}

// Due describes a due date relative to now.
type Due struct {
	DaysUntilDue *int
	Overdue      bool
	Upcoming     bool
}

func DueState(due *time.Time, now time.Time, p Policy) Due {
	if due == nil {
		return Due{}
	}
	days := DaysBetween(now, *due)
	return Due{
		DaysUntilDue: &days,
		Overdue:      days < 0,
		Upcoming:     days >= 0 && days <= p.UpcomingDays,
	}
}

// TaskDueStatus is one of none, overdue, due-soon or normal.
func TaskDueStatus(due *time.Time, now time.Time, p Policy) (string, *int) {
	if due == nil {
		return "none", nil
	}
	days := DaysBetween(now, *due)
	switch {
	case days < 0:
		return "overdue", &days
	case days <= p.DueSoonDays:
		return "due-soon", &days
	default:
		return "normal", &days
	}
}

// NeedsStatusUpdate returns a reason when a project's status label looks
// out of date, or "" when it does not.
func NeedsStatusUpdate(assign AssignmentStatus, comm CommStatus, daysIdle int, due Due) string {
	if assign == Overdue {
		return "assignment overdue"
	}
	if assign != NotInQueue {
		return ""
	}
	if comm == CommStale && daysIdle > 0 {
		return "stale communication"
	}
	if due.Overdue && comm == CommActive {
		return "overdue with recent activity"
	}
	return ""
}
