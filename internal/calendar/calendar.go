// Package calendar reads and writes an owner's calendar over CalDAV,
// authenticating with the owner's OAuth token.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

// DefaultURL is Google's CalDAV root.
const DefaultURL = "https://apidata.googleusercontent.com/caldav/v2/"

// ProductID identifies events this package creates.
const ProductID = "-//Sidekick//Calendar//EN"

// ErrNoCalendar means discovery found no calendar that holds events.
var ErrNoCalendar = errors.New("no event calendar found")

// Authorizer supplies per-owner authenticated HTTP clients.
type Authorizer interface {
	Client(ctx context.Context, owner string) (*http.Client, error)
	Authorized(ctx context.Context, owner string) (bool, error)
	AuthURL(owner string) string
}

// remote is the subset of *caldav.Client the service uses.
type remote interface {
	FindCurrentUserPrincipal(ctx context.Context) (string, error)
	FindCalendarHomeSet(ctx context.Context, principal string) (string, error)
	FindCalendars(ctx context.Context, calendarHomeSet string) ([]caldav.Calendar, error)
	QueryCalendar(ctx context.Context, calendar string, query *caldav.CalendarQuery) ([]caldav.CalendarObject, error)
	PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error)
	RemoveAll(ctx context.Context, name string) error
}

// Event is one calendar event occurrence.
type Event struct {
	UID         string
	Path        string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Transparent bool // does not block time
}

// Busy is a blocked interval.
type Busy struct {
	Start time.Time
	End   time.Time
}

// Service talks to the calendar server on behalf of owners.
type Service struct {
	auth     Authorizer
	endpoint string
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time
	dial     func(ctx context.Context, owner string) (remote, error)

	mu    sync.Mutex
	paths map[string]string // owner -> event calendar path
}

// New creates a Service. An empty endpoint selects DefaultURL.
func New(endpoint string, auth Authorizer, loc *time.Location, logger *slog.Logger) *Service {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		auth:     auth,
		endpoint: endpoint,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
		paths:    make(map[string]string),
	}
	s.dial = s.dialCalDAV
	return s
}

func (s *Service) dialCalDAV(ctx context.Context, owner string) (remote, error) {
	hc, err := s.auth.Client(ctx, owner)
	if err != nil {
		return nil, err
	}
	c, err := caldav.NewClient(hc, s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}
	return c, nil
}

// Authorized reports whether owner has connected a calendar.
func (s *Service) Authorized(ctx context.Context, owner string) (bool, error) {
	return s.auth.Authorized(ctx, owner)
}

// AuthURL returns the link owner follows to connect a calendar.
func (s *Service) AuthURL(owner string) string {
	return s.auth.AuthURL(owner)
}

// Location returns the zone used for floating and all-day times.
func (s *Service) Location() *time.Location { return s.loc }

// Now returns the current time in the service's zone.
func (s *Service) Now() time.Time { return s.now().In(s.loc) }

// connect dials the server and resolves owner's event calendar,
// caching the path after the first discovery.
func (s *Service) connect(ctx context.Context, owner string) (remote, string, error) {
	rc, err := s.dial(ctx, owner)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	path, ok := s.paths[owner]
	s.mu.Unlock()
	if ok {
		return rc, path, nil
	}

	path, err = discover(ctx, rc)
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	s.paths[owner] = path
	s.mu.Unlock()
	s.logger.Debug("calendar discovered", "owner", owner, "path", path)
	return rc, path, nil
}

func discover(ctx context.Context, rc remote) (string, error) {
	principal, err := rc.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("find principal: %w", err)
	}
	home, err := rc.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("find calendar home: %w", err)
	}
	cals, err := rc.FindCalendars(ctx, home)
	if err != nil {
		return "", fmt.Errorf("list calendars: %w", err)
	}
	for _, c := range cals {
		if holdsEvents(c) {
			return c.Path, nil
		}
	}
	return "", ErrNoCalendar
}

func holdsEvents(c caldav.Calendar) bool {
	if len(c.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range c.SupportedComponentSet {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// Events returns occurrences overlapping [start, end), sorted by
// start time. Recurring events are expanded.
func (s *Service) Events(ctx context.Context, owner string, start, end time.Time) ([]Event, error) {
	rc, path, err := s.connect(ctx, owner)
	if err != nil {
		return nil, err
	}
	objs, err := rc.QueryCalendar(ctx, path, rangeQuery(start, end))
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}
	var events []Event
	for _, obj := range objs {
		events = append(events, expand(obj, start, end, s.loc)...)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })
	return events, nil
}

// Search returns up to limit events in [start, end) whose summary,
// description, or location contains query, case-insensitively.
func (s *Service) Search(ctx context.Context, owner, query string, start, end time.Time, limit int) ([]Event, error) {
	events, err := s.Events(ctx, owner, start, end)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	var out []Event
	for _, ev := range events {
		hay := strings.ToLower(ev.Summary + "\n" + ev.Description + "\n" + ev.Location)
		if strings.Contains(hay, needle) {
			out = append(out, ev)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// FreeBusy returns the merged busy intervals in [start, end).
func (s *Service) FreeBusy(ctx context.Context, owner string, start, end time.Time) ([]Busy, error) {
	events, err := s.Events(ctx, owner, start, end)
	if err != nil {
		return nil, err
	}
	return mergeBusy(events, start, end), nil
}

// Create adds an event and returns it with its UID and path set.
func (s *Service) Create(ctx context.Context, owner string, ev Event) (Event, error) {
	if strings.TrimSpace(ev.Summary) == "" {
		return Event{}, errors.New("event summary is required")
	}
	if !ev.End.After(ev.Start) {
		return Event{}, errors.New("event must end after it starts")
	}
	rc, path, err := s.connect(ctx, owner)
	if err != nil {
		return Event{}, err
	}
	if ev.UID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Event{}, err
		}
		ev.UID = id.String()
	}
	ev.Path = joinPath(path, ev.UID+".ics")
	if _, err := rc.PutCalendarObject(ctx, ev.Path, toCalendar(ev, s.now())); err != nil {
		return Event{}, fmt.Errorf("create event: %w", err)
	}
	s.logger.Info("calendar event created", "owner", owner, "uid", ev.UID, "start", ev.Start)
	return ev, nil
}

// Delete removes the event with uid. It reports false when no such
// event exists.
func (s *Service) Delete(ctx context.Context, owner, uid string) (bool, error) {
	rc, path, err := s.connect(ctx, owner)
	if err != nil {
		return false, err
	}
	objs, err := rc.QueryCalendar(ctx, path, uidQuery(uid))
	if err != nil {
		return false, fmt.Errorf("find event: %w", err)
	}
	if len(objs) == 0 {
		return false, nil
	}
	if err := rc.RemoveAll(ctx, objs[0].Path); err != nil {
		return false, fmt.Errorf("delete event: %w", err)
	}
	s.logger.Info("calendar event deleted", "owner", owner, "uid", uid)
	return true, nil
}

func rangeQuery(start, end time.Time) *caldav.CalendarQuery {
	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start.UTC(),
				End:   end.UTC(),
			}},
		},
	}
}

func uidQuery(uid string) *caldav.CalendarQuery {
	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{Name: ical.CompCalendar, AllProps: true, AllComps: true},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name: ical.CompEvent,
				Props: []caldav.PropFilter{{
					Name:      ical.PropUID,
					TextMatch: &caldav.TextMatch{Text: uid},
				}},
			}},
		},
	}
}

func joinPath(dir, name string) string {
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir + name
}
