package synthesis

import (
	"fmt"
	"time"
)

// SLATable maps (queue, priority) to a review deadline window.
type SLATable struct {
	windows map[Queue]map[Priority]time.Duration
	// businessHours restricts deadline accrual to 08:00–18:00 UTC weekdays.
	// Off by default; calendar-hour SLAs are the contractual norm.
	businessHours bool
}

// NewSLATable returns the production SLA matrix.
func NewSLATable() *SLATable {
	return &SLATable{windows: map[Queue]map[Priority]time.Duration{
		// AUTO_PROCESS is untouched by reviewers; the window is the payment
		// system's pickup deadline.
		QueueAutoProcess: {
			PriorityCritical: 4 * time.Hour,
			PriorityHigh:     8 * time.Hour,
			PriorityMedium:   12 * time.Hour,
			PriorityLow:      24 * time.Hour,
		},
		QueueFraudInvestigation: {
			PriorityCritical: 4 * time.Hour,
			PriorityHigh:     8 * time.Hour,
			PriorityMedium:   12 * time.Hour,
			PriorityLow:      24 * time.Hour,
		},
		QueueSeniorReview: {
			PriorityCritical: 8 * time.Hour,
			PriorityHigh:     24 * time.Hour,
			PriorityMedium:   48 * time.Hour,
			PriorityLow:      72 * time.Hour,
		},
		QueueMedicalDirector: {
			PriorityCritical: 8 * time.Hour,
			PriorityHigh:     24 * time.Hour,
			PriorityMedium:   48 * time.Hour,
			PriorityLow:      72 * time.Hour,
		},
		QueueComplianceReview: {
			PriorityCritical: 8 * time.Hour,
			PriorityHigh:     24 * time.Hour,
			PriorityMedium:   48 * time.Hour,
			PriorityLow:      72 * time.Hour,
		},
		QueueStandardReview: {
			PriorityCritical: 8 * time.Hour,
			PriorityHigh:     24 * time.Hour,
			PriorityMedium:   72 * time.Hour,
			PriorityLow:      120 * time.Hour,
		},
	}}
}

// WithBusinessHours switches deadline accrual to business hours.
func (t *SLATable) WithBusinessHours(on bool) *SLATable {
	t.businessHours = on
	return t
}

// Window returns the SLA duration for a queue and priority.
func (t *SLATable) Window(queue Queue, priority Priority) (time.Duration, error) {
	byPriority, ok := t.windows[queue]
	if !ok {
		return 0, fmt.Errorf("synthesis: no sla window for queue %s", queue)
	}
	w, ok := byPriority[priority]
	if !ok {
		return 0, fmt.Errorf("synthesis: no sla window for queue %s priority %s", queue, priority)
	}
	return w, nil
}

// Deadline computes the review deadline from now.
func (t *SLATable) Deadline(queue Queue, priority Priority, now time.Time) (time.Time, error) {
	w, err := t.Window(queue, priority)
	if err != nil {
		return time.Time{}, err
	}
	if !t.businessHours {
		return now.Add(w).UTC(), nil
	}
	return addBusinessHours(now.UTC(), w), nil
}

const (
	businessDayStart = 8
	businessDayEnd   = 18
)

// addBusinessHours advances the deadline hour by hour, counting only
// weekday business hours.
func addBusinessHours(start time.Time, w time.Duration) time.Time {
	remaining := w
	cur := start
	for remaining > 0 {
		if inBusinessHours(cur) {
			step := time.Hour
			if remaining < step {
				step = remaining
			}
			endOfWindow := time.Date(cur.Year(), cur.Month(), cur.Day(), businessDayEnd, 0, 0, 0, time.UTC)
			if until := endOfWindow.Sub(cur); until < step {
				step = until
			}
			cur = cur.Add(step)
			remaining -= step
			continue
		}
		cur = nextBusinessOpen(cur)
	}
	return cur
}

func inBusinessHours(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return t.Hour() >= businessDayStart && t.Hour() < businessDayEnd
}

func nextBusinessOpen(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), businessDayStart, 0, 0, 0, time.UTC)
	if t.Hour() >= businessDayEnd || !day.After(t) {
		day = day.AddDate(0, 0, 1)
	}
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return day
}
