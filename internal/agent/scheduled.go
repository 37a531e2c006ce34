package agent

import (
	"context"
	"strings"

	"github.com/nugget/sidekick/internal/prompts"
	"github.com/nugget/sidekick/internal/scheduler"
	"github.com/nugget/sidekick/internal/usage"
)

// ScheduleGenerator answers generated schedules through the
// orchestrator, so the model can use tools while composing them.
type ScheduleGenerator struct {
	o *Orchestrator
}

// Generator returns a [scheduler.Generator] backed by o.
func (o *Orchestrator) Generator() *ScheduleGenerator {
	return &ScheduleGenerator{o: o}
}

// Generate runs the entry's content as a standalone prompt.
func (g *ScheduleGenerator) Generate(ctx context.Context, e *scheduler.Entry) (string, error) {
	now := g.o.now().In(g.o.cfg.Location)
	return g.o.Ask(ctx, e.OwnerID, prompts.ScheduledPrompt(e.Content, now), usage.RoleScheduled)
}

var _ scheduler.Generator = (*ScheduleGenerator)(nil)

// Proactive runs the periodic check-in for owner. It returns "" when
// the model has nothing worth sending.
func (o *Orchestrator) Proactive(ctx context.Context, ownerID string) (string, error) {
	now := o.now().In(o.cfg.Location)
	reply, err := o.Ask(ctx, ownerID, prompts.ProactivePrompt(now), usage.RoleProactive)
	if err != nil {
		return "", err
	}
	if prompts.IsNothingToReport(reply) || reply == prompts.EmptyResponseFallback {
		return "", nil
	}
	return strings.TrimSpace(reply), nil
}
