package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/sidekick/internal/config"
)

const markFiredAttempts = 3

// Generator turns a generated entry's prompt into message text.
type Generator interface {
	Generate(ctx context.Context, e *Entry) (string, error)
}

// Deliverer sends text to an owner.
type Deliverer interface {
	Deliver(ctx context.Context, ownerID, text string) error
}

// ProactiveFunc produces an unprompted check-in for an owner. An
// empty result means there is nothing worth sending.
type ProactiveFunc func(ctx context.Context, ownerID string) (string, error)

// EventPublisher receives dispatcher events. Publishing is best effort.
type EventPublisher interface {
	PublishEvent(ctx context.Context, kind string, payload any) error
}

// DeliveryEvent is published after each firing attempt.
type DeliveryEvent struct {
	EntryID   int64           `json:"entry_id,omitempty"`
	OwnerID   string          `json:"owner_id"`
	Kind      string          `json:"kind"`
	Frequency Frequency       `json:"frequency,omitempty"`
	Status    ExecutionStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}

// Config tunes the dispatcher.
type Config struct {
	TickInterval      time.Duration  // due scan period; default 1m
	ProactiveInterval time.Duration  // 0 disables proactive check-ins
	CatchUpWindow     time.Duration  // how late an occurrence may still fire
	ProactiveOwners   []string       // extra owners for proactive check-ins
	Location          *time.Location // calendar fields are read here; default Local
}

// Report summarizes one tick.
type Report struct {
	Due    int
	Fired  int
	Failed int
}

// Dispatcher fires due schedule entries on a fixed tick.
type Dispatcher struct {
	logger    *slog.Logger
	store     *Store
	generator Generator
	deliverer Deliverer
	proactive ProactiveFunc
	events    EventPublisher
	cfg       Config
	now       func() time.Time

	tickMu sync.Mutex // one tick at a time
	// fired holds the last delivered occurrence per entry, guarded by
	// tickMu. It stands in for the stored watermark when that write fails.
	fired map[int64]time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a dispatcher. generator may be nil if no generated
// entries are expected; such entries then fail individually.
func New(logger *slog.Logger, store *Store, generator Generator, deliverer Deliverer, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Dispatcher{
		logger:    logger,
		store:     store,
		generator: generator,
		deliverer: deliverer,
		cfg:       cfg,
		now:       time.Now,
		fired:     make(map[int64]time.Time),
	}
}

// SetProactive enables proactive check-ins.
func (d *Dispatcher) SetProactive(fn ProactiveFunc) { d.proactive = fn }

// SetEventPublisher routes delivery events to p.
func (d *Dispatcher) SetEventPublisher(p EventPublisher) { d.events = p }

// Start launches the tick loops. It records skipped executions for
// occurrences missed while the process was down.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	d.logger.Debug("dispatcher starting",
		"tick_interval", d.cfg.TickInterval,
		"proactive_interval", d.cfg.ProactiveInterval,
		"catch_up_window", d.cfg.CatchUpWindow,
	)

	d.checkMissedExecutions(ctx, d.now())

	d.wg.Add(1)
	go d.dueLoop(loopCtx)

	if d.proactive != nil && d.cfg.ProactiveInterval > 0 {
		d.wg.Add(1)
		go d.proactiveLoop(loopCtx)
	}
	return nil
}

// Stop halts the loops and waits for an in-flight tick to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Debug("dispatcher stopped")
}

// dueLoop ticks on interval boundaries so a one-minute interval
// observes every wall-clock minute once.
func (d *Dispatcher) dueLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		now := d.now()
		next := now.Truncate(d.cfg.TickInterval).Add(d.cfg.TickInterval)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := d.Tick(ctx, d.now()); err != nil && ctx.Err() == nil {
			d.logger.Error("schedule tick failed", "error", err)
		}
	}
}

func (d *Dispatcher) proactiveLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.ProactiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ProactiveTick(ctx)
		}
	}
}

// Tick fires every entry due at now, in ID order. A failing entry is
// logged and recorded without affecting the others. The returned
// error reports only a failure to load entries.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) (Report, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	now = now.In(d.cfg.Location)
	active, err := d.store.ListActive(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load schedules: %w", err)
	}

	var rep Report
	for _, e := range active {
		occ, ok := dueOccurrence(e, now, d.cfg.CatchUpWindow)
		if !ok {
			continue
		}
		if last, seen := d.fired[e.ID]; seen && !occ.After(last) {
			continue
		}
		rep.Due++
		if err := d.fire(ctx, e, occ, now); err != nil {
			rep.Failed++
			d.logger.Error("schedule delivery failed",
				"schedule_id", e.ID,
				"owner_id", e.OwnerID,
				"error", err,
			)
			continue
		}
		rep.Fired++
	}
	d.logger.Log(ctx, config.LevelTrace, "schedule tick", "time", now.Format("15:04"), "due", rep.Due)
	return rep, nil
}

// fire produces and delivers one entry, then records the outcome.
func (d *Dispatcher) fire(ctx context.Context, e *Entry, occ, now time.Time) (err error) {
	storeCtx := context.WithoutCancel(ctx)
	started := time.Now()
	ex := &Execution{
		EntryID:      e.ID,
		ScheduledFor: occ,
		StartedAt:    &started,
		Status:       StatusRunning,
	}
	if cerr := d.store.CreateExecution(storeCtx, ex); cerr != nil {
		d.logger.Warn("failed to record execution start", "schedule_id", e.ID, "error", cerr)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic firing schedule %d: %v", e.ID, r)
		}
		completed := time.Now()
		ex.CompletedAt = &completed
		ev := DeliveryEvent{
			EntryID:   e.ID,
			OwnerID:   e.OwnerID,
			Kind:      string(e.Kind),
			Frequency: e.Frequency,
			At:        completed,
		}
		if err != nil {
			ex.Status = StatusFailed
			ex.Result = err.Error()
			ev.Error = ex.Result
		}
		ev.Status = ex.Status
		if uerr := d.store.UpdateExecution(storeCtx, ex); uerr != nil {
			d.logger.Warn("failed to record execution result", "schedule_id", e.ID, "error", uerr)
		}
		d.publish(storeCtx, ev)
	}()

	text, err := d.render(ctx, e)
	if err != nil {
		return err
	}
	if err := d.deliverer.Deliver(ctx, e.OwnerID, text); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}

	d.fired[e.ID] = occ
	if err := d.markFired(storeCtx, e.ID, now); err != nil {
		d.logger.Error("failed to record firing", "schedule_id", e.ID, "error", err)
	}
	if e.Frequency == FrequencyOnce {
		if err := d.store.Deactivate(storeCtx, e.ID); err != nil {
			d.logger.Error("failed to deactivate one-time schedule", "schedule_id", e.ID, "error", err)
		} else {
			d.logger.Info("deactivated one-time schedule", "schedule_id", e.ID)
		}
	}

	ex.Status = StatusCompleted
	ex.Result = strings.TrimSpace(text)
	d.logger.Info("schedule delivered",
		"schedule_id", e.ID,
		"owner_id", e.OwnerID,
		"kind", e.Kind,
		"duration", time.Since(started).Round(time.Millisecond),
	)
	return nil
}

// markFired writes the watermark, retrying briefly on failure.
func (d *Dispatcher) markFired(ctx context.Context, id int64, at time.Time) error {
	var err error
	for attempt := range markFiredAttempts {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		if err = d.store.MarkFired(ctx, id, at); err == nil {
			return nil
		}
	}
	return err
}

func (d *Dispatcher) render(ctx context.Context, e *Entry) (string, error) {
	var text string
	switch e.Kind {
	case KindStatic:
		text = e.Content
	case KindGenerated:
		if d.generator == nil {
			return "", errors.New("no generator configured")
		}
		out, err := d.generator.Generate(ctx, e)
		if err != nil {
			return "", fmt.Errorf("generate: %w", err)
		}
		text = out
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty message")
	}
	return text, nil
}

// ProactiveTick runs a proactive check-in for every owner with an
// active schedule plus the configured owners. Failures are logged per
// owner.
func (d *Dispatcher) ProactiveTick(ctx context.Context) {
	if d.proactive == nil {
		return
	}
	owners, err := d.store.Owners(ctx)
	if err != nil {
		d.logger.Error("failed to list schedule owners", "error", err)
		return
	}
	seen := make(map[string]bool, len(owners))
	for _, o := range owners {
		seen[o] = true
	}
	for _, o := range d.cfg.ProactiveOwners {
		if !seen[o] {
			seen[o] = true
			owners = append(owners, o)
		}
	}

	for _, owner := range owners {
		if ctx.Err() != nil {
			return
		}
		ev := DeliveryEvent{OwnerID: owner, Kind: "proactive", Status: StatusSkipped}
		text, err := d.proactive(ctx, owner)
		switch {
		case err != nil:
			ev.Status, ev.Error = StatusFailed, err.Error()
			d.logger.Error("proactive check-in failed", "owner_id", owner, "error", err)
		case strings.TrimSpace(text) == "":
			d.logger.Debug("proactive check-in had nothing to report", "owner_id", owner)
		default:
			if err := d.deliverer.Deliver(ctx, owner, text); err != nil {
				ev.Status, ev.Error = StatusFailed, err.Error()
				d.logger.Error("proactive delivery failed", "owner_id", owner, "error", err)
			} else {
				ev.Status = StatusCompleted
				d.logger.Info("proactive check-in delivered", "owner_id", owner)
			}
		}
		ev.At = time.Now()
		d.publish(context.WithoutCancel(ctx), ev)
	}
}

// checkMissedExecutions records a skipped execution for each
// occurrence that passed while the dispatcher was not running.
func (d *Dispatcher) checkMissedExecutions(ctx context.Context, now time.Time) {
	now = now.In(d.cfg.Location)
	active, err := d.store.ListActive(ctx)
	if err != nil {
		d.logger.Error("failed to check missed schedules", "error", err)
		return
	}
	for _, e := range active {
		occ, ok := MissedOccurrence(e, now, d.cfg.CatchUpWindow)
		if !ok {
			continue
		}
		exists, err := d.store.HasExecution(ctx, e.ID, occ)
		if err != nil || exists {
			continue
		}
		ex := &Execution{
			EntryID:      e.ID,
			ScheduledFor: occ,
			Status:       StatusSkipped,
			Result:       fmt.Sprintf("missed by %s", now.Sub(occ).Round(time.Minute)),
		}
		if err := d.store.CreateExecution(ctx, ex); err != nil {
			d.logger.Warn("failed to record skipped execution", "schedule_id", e.ID, "error", err)
			continue
		}
		d.logger.Warn("skipped missed schedule",
			"schedule_id", e.ID,
			"scheduled_for", occ,
			"missed_by", now.Sub(occ).Round(time.Minute),
		)
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev DeliveryEvent) {
	if d.events == nil {
		return
	}
	if err := d.events.PublishEvent(ctx, "delivery", ev); err != nil {
		d.logger.Debug("failed to publish delivery event", "error", err)
	}
}
