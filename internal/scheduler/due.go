package scheduler

import "time"

// IsDue reports whether e should fire at now. It is a pure function
// of its arguments: calendar fields are read in now's location.
//
// An occurrence is the entry's TimeOfDay on a day its selector
// matches. The entry is due when an occurrence lies in
// (now-window-1m, now] and LastFiredAt is before it. With a zero
// window this is an exact HH:mm match on the current minute.
func IsDue(e *Entry, now time.Time, window time.Duration) bool {
	_, ok := dueOccurrence(e, now, window)
	return ok
}

// dueOccurrence returns the occurrence that makes e due at now.
func dueOccurrence(e *Entry, now time.Time, window time.Duration) (time.Time, bool) {
	if e == nil || !e.Active {
		return time.Time{}, false
	}
	if window < 0 {
		window = 0
	}
	for _, occ := range recentOccurrences(e, now, window) {
		late := now.Sub(occ)
		if late < 0 || late >= time.Minute+window {
			continue
		}
		if e.LastFiredAt != nil && !e.LastFiredAt.Before(occ) {
			continue
		}
		return occ, true
	}
	return time.Time{}, false
}

// MissedOccurrence returns the latest occurrence in the 24 hours
// before now that fell outside the catch-up window without firing.
// Occurrences before the entry existed are ignored.
func MissedOccurrence(e *Entry, now time.Time, window time.Duration) (time.Time, bool) {
	if e == nil || !e.Active {
		return time.Time{}, false
	}
	if window < 0 {
		window = 0
	}
	var missed time.Time
	for _, occ := range recentOccurrences(e, now, 24*time.Hour) {
		if now.Sub(occ) < time.Minute+window || now.Sub(occ) > 24*time.Hour {
			continue
		}
		if e.LastFiredAt != nil && !e.LastFiredAt.Before(occ) {
			continue
		}
		if !e.CreatedAt.IsZero() && occ.Before(e.CreatedAt) {
			continue
		}
		if occ.After(missed) {
			missed = occ
		}
	}
	return missed, !missed.IsZero()
}

// recentOccurrences lists the occurrences on now's date and on each
// earlier date that the lookback reaches, newest first.
func recentOccurrences(e *Entry, now time.Time, lookback time.Duration) []time.Time {
	hour, minute, err := ParseTimeOfDay(e.TimeOfDay)
	if err != nil {
		return nil
	}
	var out []time.Time
	earliest := now.Add(-lookback - time.Minute)
	for day := now; ; day = day.AddDate(0, 0, -1) {
		occ := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
		if matchesDay(e, occ) {
			out = append(out, occ)
		}
		dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, now.Location())
		if !dayStart.After(earliest) {
			break
		}
	}
	return out
}

// matchesDay reports whether the entry's calendar selector matches
// the date of t.
func matchesDay(e *Entry, t time.Time) bool {
	switch e.Frequency {
	case FrequencyDaily:
		return true
	case FrequencyWeekly:
		return e.DayOfWeek != nil && time.Weekday(*e.DayOfWeek) == t.Weekday()
	case FrequencyMonthly:
		return e.DayOfMonth != nil && *e.DayOfMonth == t.Day()
	case FrequencyOnce:
		return e.ScheduledDate == t.Format(DateLayout)
	}
	return false
}
