// Package health tracks whether the services Sidekick depends on are
// reachable.
//
// Each watched dependency is probed in its own goroutine. While a
// dependency is up it is probed every Interval; while it is down the
// probe is retried with exponential backoff starting at MinRetry and
// capped at Interval.
package health

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Probe checks one dependency. It returns nil when the dependency is
// usable.
type Probe func(ctx context.Context) error

// Check describes one watched dependency.
type Check struct {
	Name     string
	Probe    Probe
	Interval time.Duration // between probes while up (default 1m)
	Timeout  time.Duration // per probe (default 10s)
	MinRetry time.Duration // first retry while down (default 2s)
}

// Status is the last known state of a dependency.
type Status struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	Since     time.Time `json:"since"`
	LastCheck time.Time `json:"last_check"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Monitor runs the probes and keeps their results.
type Monitor struct {
	logger   *slog.Logger
	onChange func(Status)

	mu     sync.RWMutex
	status map[string]Status

	wg sync.WaitGroup
}

// NewMonitor creates a Monitor. onChange, if non-nil, is called from
// the probing goroutine on the first result of every check and on each
// up/down transition; it must not block for long.
func NewMonitor(logger *slog.Logger, onChange func(Status)) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:   logger,
		onChange: onChange,
		status:   make(map[string]Status),
	}
}

// Watch starts probing c until ctx is cancelled. An empty name or nil
// probe is a programming error and panics.
func (m *Monitor) Watch(ctx context.Context, c Check) {
	if c.Name == "" || c.Probe == nil {
		panic("health: check needs a name and a probe")
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MinRetry <= 0 {
		c.MinRetry = 2 * time.Second
	}
	c.MinRetry = min(c.MinRetry, c.Interval)

	m.mu.Lock()
	m.status[c.Name] = Status{Name: c.Name}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, c)
}

// Status returns a snapshot of every watched dependency.
func (m *Monitor) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.status)
}

// Healthy reports whether every watched dependency is up.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.status {
		if !s.Up {
			return false
		}
	}
	return true
}

// Wait blocks until every probing goroutine has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, c Check) {
	defer m.wg.Done()

	retry := c.MinRetry
	for {
		probeCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		err := c.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		wait := c.Interval
		if m.record(c.Name, err) {
			retry = c.MinRetry
		} else {
			wait = retry
			retry = min(retry*2, c.Interval)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// record stores a probe result and reports whether the dependency is
// up.
func (m *Monitor) record(name string, err error) bool {
	now := time.Now()

	m.mu.Lock()
	st := m.status[name]
	first := st.LastCheck.IsZero()
	up := err == nil
	changed := first || st.Up != up
	st.LastCheck = now
	st.Up = up
	if changed {
		st.Since = now
	}
	if up {
		st.Failures = 0
		st.Error = ""
	} else {
		st.Failures++
		st.Error = err.Error()
	}
	m.status[name] = st
	m.mu.Unlock()

	switch {
	case !changed:
		if !up {
			m.logger.Debug("dependency still unreachable", "dependency", name, "failures", st.Failures, "error", err)
		}
		return up
	case up:
		m.logger.Info("dependency reachable", "dependency", name)
	default:
		m.logger.Warn("dependency unreachable", "dependency", name, "error", err)
	}
	if m.onChange != nil {
		m.onChange(st)
	}
	return up
}
