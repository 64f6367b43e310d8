package dsl

import (
	"fmt"
	"time"
)

// DayTask is one day's focus inside a weekly plan.
type DayTask struct {
	Day   int    `json:"day" validate:"min=1,max=31"`
	Focus string `json:"focus" validate:"required,min=1"`
}

// WeekPlan summarizes one week of the narrative arc.
type WeekPlan struct {
	Week  int       `json:"week" validate:"min=1,max=5"`
	Theme string    `json:"theme"`
	Days  []DayTask `json:"days" validate:"dive"`
}

// NarrativeArc is the month-scale synthetic project storyline. It is
// regenerated wholesale at month boundaries or on explicit request and
// read every tick.
type NarrativeArc struct {
	// Month identifier in "2006-01" form
	Month string `json:"month" validate:"required,len=7"`

	// Goal is the overarching narrative for the month
	Goal string `json:"goal" validate:"required,min=1"`

	// Weeks holds per-week plans, generated lazily
	Weeks []WeekPlan `json:"weeks,omitempty" validate:"dive"`

	// DailyTasks maps day-of-month to a coarse task description,
	// used when no weekly plan covers the day.
	DailyTasks map[string]string `json:"daily_tasks,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// MonthKey formats t for comparison against NarrativeArc.Month.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// Current reports whether the arc still covers the month of t.
func (a *NarrativeArc) Current(t time.Time) bool {
	return a != nil && a.Month == MonthKey(t)
}

// Week returns the plan covering the given week number, or nil.
func (a *NarrativeArc) Week(week int) *WeekPlan {
	if a == nil {
		return nil
	}
	for i := range a.Weeks {
		if a.Weeks[i].Week == week {
			return &a.Weeks[i]
		}
	}
	return nil
}

// DayFocus resolves the task for a day of the month, preferring the
// weekly plan, then the coarse daily map, then a generic fallback.
func (a *NarrativeArc) DayFocus(day int) string {
	if a == nil {
		return "General maintenance"
	}
	week := (day-1)/7 + 1
	if wp := a.Week(week); wp != nil {
		for _, d := range wp.Days {
			if d.Day == day {
				return d.Focus
			}
		}
	}
	if focus, ok := a.DailyTasks[fmt.Sprintf("%d", day)]; ok && focus != "" {
		return focus
	}
	return "General maintenance"
}
