// Package recurrence expands recurrence patterns into concrete, attendable
// event instances. Expansion is a pure function of the event and the requested
// window: instances are re-derived on every call and never persisted, so a
// caller loads more by replaying with a larger limit, not by paging a cursor.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eventgate/backend/internal/storage/models"
)

// Expansion never looks further than this past the window start. Open-ended
// patterns stay bounded even when the requested limit cannot be filled.
const maxHorizonDays = 731

// DefaultLimit is the page size used when a window does not specify one.
const DefaultLimit = 10

// ErrNotRecurring is returned when expansion is requested for an event that
// carries no recurrence pattern.
var ErrNotRecurring = errors.New("event is not recurring")

// Window selects which slice of the occurrence sequence to produce.
type Window struct {
	// Limit caps the number of instances returned. Zero means DefaultLimit.
	Limit int
	// StartDate is the inclusive lower bound. Zero means now.
	StartDate time.Time
}

// Page is one expansion result: instances sorted ascending by occurrence
// datetime, with HasMore set when the pattern continues past the limit.
type Page struct {
	Instances []models.EventInstance `json:"instances"`
	HasMore   bool                   `json:"has_more"`
}

// Expand produces the ordered instance sequence for a recurring event starting
// at or after the window's start date.
//
// A weekly pattern with no days selected yields an empty page rather than an
// error; that is a misconfigured pattern, not a caller mistake. A monthly
// day-of-month past the end of a short month clips to that month's last day.
// A pattern end date excludes occurrences strictly after it.
func Expand(event *models.Event, w Window) (Page, error) {
	if !event.IsRecurring || event.Recurrence == nil {
		return Page{}, ErrNotRecurring
	}

	if w.Limit <= 0 {
		w.Limit = DefaultLimit
	}
	if w.StartDate.IsZero() {
		w.StartDate = time.Now()
	}

	pattern := event.Recurrence
	loc := patternLocation(pattern)

	hour, minute, err := parseStartTime(pattern.StartTime)
	if err != nil {
		return Page{}, err
	}

	// Occurrences never precede the event's schedule anchor.
	start := w.StartDate.In(loc)
	if anchor := event.EventDate.In(loc); anchor.After(start) {
		start = anchor
	}
	startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)

	// Generate one past the limit so HasMore needs no second pass.
	var dates []time.Time
	switch pattern.Type {
	case models.RecurrenceWeekly:
		dates = expandWeekly(pattern, startDay, hour, minute, loc, w.Limit+1)
	case models.RecurrenceMonthly:
		dates = expandMonthly(pattern, startDay, hour, minute, loc, w.Limit+1)
	default:
		return Page{}, fmt.Errorf("unsupported recurrence type %q", pattern.Type)
	}

	page := Page{Instances: make([]models.EventInstance, 0, w.Limit)}
	if len(dates) > w.Limit {
		page.HasMore = true
		dates = dates[:w.Limit]
	}

	for _, d := range dates {
		page.Instances = append(page.Instances, models.EventInstance{
			InstanceID:   InstanceID(event.ID, d),
			EventID:      event.ID,
			Date:         d,
			LocalTime:    pattern.StartTime,
			DayOfWeek:    d.Weekday().String(),
			MaxAttendees: event.MaxAttendees,
		})
	}
	return page, nil
}

// expandWeekly walks day by day from the start, collecting days whose weekday
// is selected by the pattern.
func expandWeekly(p *models.RecurrencePattern, startDay time.Time, hour, minute int, loc *time.Location, max int) []time.Time {
	selected := make(map[time.Weekday]bool, len(p.DaysOfWeek))
	for _, d := range p.DaysOfWeek {
		if d >= 0 && d <= 6 {
			selected[time.Weekday(d)] = true
		}
	}
	if len(selected) == 0 {
		return nil
	}

	var dates []time.Time
	for i := 0; i < maxHorizonDays && len(dates) < max; i++ {
		day := startDay.AddDate(0, 0, i)
		if !selected[day.Weekday()] {
			continue
		}
		occ := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
		if afterPatternEnd(p, occ) {
			break
		}
		dates = append(dates, occ)
	}
	return dates
}

// expandMonthly produces one occurrence per month on the pattern's day of
// month, clipped to the month's length.
func expandMonthly(p *models.RecurrencePattern, startDay time.Time, hour, minute int, loc *time.Location, max int) []time.Time {
	if p.DayOfMonth < 1 {
		return nil
	}

	var dates []time.Time
	months := maxHorizonDays/28 + 1
	for i := 0; i < months && len(dates) < max; i++ {
		first := time.Date(startDay.Year(), startDay.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, i, 0)
		day := p.DayOfMonth
		if last := daysInMonth(first.Year(), first.Month()); day > last {
			day = last
		}
		occ := time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, loc)
		if occ.Before(startDay) {
			continue
		}
		if afterPatternEnd(p, occ) {
			break
		}
		dates = append(dates, occ)
	}
	return dates
}

// Contains reports whether the given instance ID is one the pattern would
// produce for this event at or after now. The registration orchestrator uses
// this to validate the instance an attendee selected.
func Contains(event *models.Event, instanceID string, now time.Time) bool {
	if !event.IsRecurring || event.Recurrence == nil {
		return false
	}

	eventID, day, err := ParseInstanceID(instanceID)
	if err != nil || eventID != event.ID {
		return false
	}

	pattern := event.Recurrence
	loc := patternLocation(pattern)
	hour, minute, err := parseStartTime(pattern.StartTime)
	if err != nil {
		return false
	}
	occ := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)

	if occ.Before(now) || afterPatternEnd(pattern, occ) {
		return false
	}
	if anchor := event.EventDate.In(loc); occ.Before(time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, loc)) {
		return false
	}

	switch pattern.Type {
	case models.RecurrenceWeekly:
		for _, d := range pattern.DaysOfWeek {
			if time.Weekday(d) == occ.Weekday() {
				return true
			}
		}
		return false
	case models.RecurrenceMonthly:
		day := pattern.DayOfMonth
		if last := daysInMonth(occ.Year(), occ.Month()); day > last {
			day = last
		}
		return occ.Day() == day
	default:
		return false
	}
}

// InstanceID derives the deterministic identifier for one occurrence.
func InstanceID(eventID string, date time.Time) string {
	return eventID + ":" + date.Format("2006-01-02")
}

// ParseInstanceID splits an instance ID back into its event ID and date.
func ParseInstanceID(instanceID string) (string, time.Time, error) {
	idx := strings.LastIndex(instanceID, ":")
	if idx < 0 {
		return "", time.Time{}, fmt.Errorf("malformed instance id %q", instanceID)
	}
	day, err := time.Parse("2006-01-02", instanceID[idx+1:])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed instance id %q: %w", instanceID, err)
	}
	return instanceID[:idx], day, nil
}

// MonthGroup is a display grouping of instances sharing a calendar month.
type MonthGroup struct {
	Month     string                 `json:"month"`
	Instances []models.EventInstance `json:"instances"`
}

// GroupByMonth buckets an ordered instance sequence by calendar month,
// preserving order. Pure; carries no resolver state.
func GroupByMonth(instances []models.EventInstance) []MonthGroup {
	var groups []MonthGroup
	for _, inst := range instances {
		label := inst.Date.Format("January 2006")
		if len(groups) == 0 || groups[len(groups)-1].Month != label {
			groups = append(groups, MonthGroup{Month: label})
		}
		last := len(groups) - 1
		groups[last].Instances = append(groups[last].Instances, inst)
	}
	return groups
}

func patternLocation(p *models.RecurrencePattern) *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func parseStartTime(s string) (hour, minute int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed start time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
}

// afterPatternEnd reports whether an occurrence falls strictly after the
// pattern's end date. An absent end date means the pattern never ends.
func afterPatternEnd(p *models.RecurrencePattern, occ time.Time) bool {
	if p.EndDate == nil {
		return false
	}
	end := p.EndDate.In(occ.Location())
	endOfDay := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, occ.Location())
	return occ.After(endOfDay)
}
