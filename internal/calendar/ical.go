package calendar

import (
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
)

// expand converts one calendar object into the event occurrences that
// overlap [start, end).
func expand(obj caldav.CalendarObject, start, end time.Time, loc *time.Location) []Event {
	if obj.Data == nil {
		return nil
	}
	var out []Event
	for _, ie := range obj.Data.Events() {
		base, ok := fromICal(ie, loc)
		if !ok {
			continue
		}
		base.Path = obj.Path

		set, err := ie.RecurrenceSet(loc)
		if err != nil || set == nil {
			if overlaps(base, start, end) {
				out = append(out, base)
			}
			continue
		}
		dur := base.End.Sub(base.Start)
		// Include occurrences that began before start but are still
		// running at start.
		for _, occ := range set.Between(start.Add(-dur), end, true) {
			ev := base
			ev.Start = occ
			ev.End = occ.Add(dur)
			if overlaps(ev, start, end) {
				out = append(out, ev)
			}
		}
	}
	return out
}

func fromICal(ie ical.Event, loc *time.Location) (Event, bool) {
	startAt, err := ie.DateTimeStart(loc)
	if err != nil || startAt.IsZero() {
		return Event{}, false
	}
	endAt, err := ie.DateTimeEnd(loc)
	if err != nil || endAt.IsZero() {
		endAt = startAt
	}
	ev := Event{
		UID:         propText(ie.Props, ical.PropUID),
		Summary:     propText(ie.Props, ical.PropSummary),
		Description: propText(ie.Props, ical.PropDescription),
		Location:    propText(ie.Props, ical.PropLocation),
		Start:       startAt,
		End:         endAt,
		Transparent: strings.EqualFold(propText(ie.Props, ical.PropTransparency), "TRANSPARENT"),
	}
	if p := ie.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
		ev.AllDay = true
		if !ev.End.After(ev.Start) {
			ev.End = ev.Start.AddDate(0, 0, 1)
		}
	}
	if ev.Summary == "" {
		ev.Summary = "(no title)"
	}
	return ev, true
}

func propText(props ical.Props, name string) string {
	v, err := props.Text(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func overlaps(ev Event, start, end time.Time) bool {
	evEnd := ev.End
	if !evEnd.After(ev.Start) {
		evEnd = ev.Start.Add(time.Nanosecond)
	}
	return ev.Start.Before(end) && evEnd.After(start)
}

// toCalendar wraps ev in a VCALENDAR ready to PUT.
func toCalendar(ev Event, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)

	ie := ical.NewEvent()
	ie.Props.SetText(ical.PropUID, ev.UID)
	ie.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	ie.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
	ie.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
	ie.Props.SetText(ical.PropSummary, ev.Summary)
	if ev.Description != "" {
		ie.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		ie.Props.SetText(ical.PropLocation, ev.Location)
	}
	cal.Children = append(cal.Children, ie.Component)
	return cal
}

// mergeBusy clips opaque events to [start, end) and merges overlaps.
func mergeBusy(events []Event, start, end time.Time) []Busy {
	var spans []Busy
	for _, ev := range events {
		if ev.Transparent || !overlaps(ev, start, end) {
			continue
		}
		b := Busy{Start: ev.Start, End: ev.End}
		if b.Start.Before(start) {
			b.Start = start
		}
		if b.End.After(end) {
			b.End = end
		}
		if b.End.After(b.Start) {
			spans = append(spans, b)
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start.Before(spans[j].Start) })

	var merged []Busy
	for _, b := range spans {
		if n := len(merged); n > 0 && !b.Start.After(merged[n-1].End) {
			if b.End.After(merged[n-1].End) {
				merged[n-1].End = b.End
			}
			continue
		}
		merged = append(merged, b)
	}
	return merged
}
