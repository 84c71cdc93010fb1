package engine

import "time"

const dayKeyLayout = "2006-01-02"

// WeekStart returns Monday 00:00 UTC of the ISO week containing t.
// The Monday-start convention is documented business behavior; do not
// change it without a policy decision.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -(weekday - 1))
}

// WeekKey is the identity of the weekly live window: the Monday date.
func WeekKey(t time.Time) string {
	return WeekStart(t).Format(dayKeyLayout)
}

// DayStart returns midnight UTC of the calendar day containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey is the identity of the daily reel window.
func DayKey(t time.Time) string {
	return DayStart(t).Format(dayKeyLayout)
}

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
