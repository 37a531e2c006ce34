package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/sidekick/internal/memory"
	"github.com/nugget/sidekick/internal/scheduler"
	"github.com/nugget/sidekick/internal/tools"
)

// historyTurns is how many recent messages go into the prompt.
const historyTurns = 10

// Router acts on schedule intents directly against the store and
// leaves everything else to the conversation.
type Router struct {
	detector *Detector
	store    *scheduler.Store
	loc      *time.Location
	logger   *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(d *Detector, store *scheduler.Store, loc *time.Location, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{detector: d, store: store, loc: loc, logger: logger}
}

// Handle classifies text and, for schedule intents, performs the change
// and returns the reply. handled is false for chat.
func (r *Router) Handle(ctx context.Context, ownerID, text string, history []memory.Message) (string, bool, error) {
	entries, err := r.store.FindByOwner(ctx, ownerID)
	if err != nil {
		return "", false, err
	}
	res, err := r.detector.Detect(ctx, text, tools.FormatSchedules(entries), recentHistory(history), r.loc)
	if err != nil {
		return "", false, err
	}

	log := r.logger.With("owner", ownerID, "intent", res.Intent)
	switch res.Intent {
	case CreateSchedule:
		e := &scheduler.Entry{
			OwnerID:       ownerID,
			Kind:          scheduler.Kind(res.Kind),
			Frequency:     scheduler.Frequency(res.Frequency),
			DayOfWeek:     res.DayOfWeek,
			DayOfMonth:    res.DayOfMonth,
			ScheduledDate: res.ScheduledDate,
			TimeOfDay:     res.Time,
			Content:       res.Content,
		}
		if e.Kind == "" {
			e.Kind = scheduler.KindStatic
		}
		if err := r.store.Create(ctx, e); err != nil {
			if errors.Is(err, scheduler.ErrInvalidEntry) {
				return fmt.Sprintf("I couldn't create that schedule: %v", err), true, nil
			}
			return "", false, err
		}
		log.Info("schedule created from intent", "id", e.ID)
		return fmt.Sprintf("Created schedule #%d: %s (%s).", e.ID, e.Content, e.Describe()), true, nil

	case EditSchedule:
		if res.ScheduleID == nil {
			return "Which schedule should I change?\n" + tools.FormatSchedules(entries), true, nil
		}
		u := tools.ScheduleUpdateFromArgs(res.Updates)
		if u.Empty() {
			return "What should I change about it?", true, nil
		}
		ok, err := r.store.Update(ctx, *res.ScheduleID, ownerID, u)
		if err != nil {
			if errors.Is(err, scheduler.ErrInvalidEntry) {
				return fmt.Sprintf("I couldn't update that schedule: %v", err), true, nil
			}
			return "", false, err
		}
		if !ok {
			return fmt.Sprintf("No active schedule #%d found.", *res.ScheduleID), true, nil
		}
		log.Info("schedule updated from intent", "id", *res.ScheduleID)
		return fmt.Sprintf("Updated schedule #%d.", *res.ScheduleID), true, nil

	case DeleteSchedule:
		if res.ScheduleID == nil {
			return "Which schedule should I delete?\n" + tools.FormatSchedules(entries), true, nil
		}
		ok, err := r.store.Delete(ctx, *res.ScheduleID, ownerID)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return fmt.Sprintf("No active schedule #%d found.", *res.ScheduleID), true, nil
		}
		log.Info("schedule deleted from intent", "id", *res.ScheduleID)
		return fmt.Sprintf("Deleted schedule #%d.", *res.ScheduleID), true, nil

	case ListSchedules:
		return tools.FormatSchedules(entries), true, nil
	}
	return "", false, nil
}

func recentHistory(msgs []memory.Message) string {
	var lines []string
	for _, m := range msgs {
		if (m.Role == memory.RoleUser || m.Role == memory.RoleAssistant) && strings.TrimSpace(m.Content) != "" {
			lines = append(lines, m.Role+": "+strings.TrimSpace(m.Content))
		}
	}
	if len(lines) > historyTurns {
		lines = lines[len(lines)-historyTurns:]
	}
	return strings.Join(lines, "\n")
}
