// Package breaker implements per-component circuit breaking for outbound
// LLM and tool calls.
//
// Each component gets its own state machine: CLOSED passes calls through
// and counts failures inside a sliding window; crossing the failure
// threshold opens the circuit, which fails fast until the recovery
// timeout elapses; HALF_OPEN admits one trial call at a time and closes
// again after enough consecutive successes, or re-opens on the first
// failure.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/cortex/pkg/config"
	"github.com/kadirpekel/cortex/pkg/observability"
)

// State is one circuit state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// CircuitOpenError is returned when a call is rejected fast because the
// component's circuit is open.
type CircuitOpenError struct {
	Group     string
	Component string
	RetryIn   time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s/%s, retry in %s", e.Group, e.Component, e.RetryIn.Round(time.Second))
}

// IsCircuitOpen reports whether err is a circuit rejection.
func IsCircuitOpen(err error) bool {
	_, ok := err.(*CircuitOpenError)
	return ok
}

// callRecord is one observed call, kept in a bounded ring for the status
// API.
type callRecord struct {
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
	Err     string    `json:"error,omitempty"`
}

const recentCalls = 20

// breaker is the state machine for one component.
type breaker struct {
	mu sync.Mutex

	state        State
	probing      bool
	failures     []time.Time
	successRun   int
	openedAt     time.Time
	lastFailure  string
	transitions  int
	recent       []callRecord
	recentCursor int
	recentFull   bool
}

// Group manages one breaker per component under a shared configuration.
type Group struct {
	name    string
	cfg     config.BreakerConfig
	metrics observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewGroup creates a breaker group.
func NewGroup(name string, cfg config.BreakerConfig, metrics observability.Metrics) *Group {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Group{
		name:     name,
		cfg:      cfg,
		metrics:  metrics,
		logger:   slog.Default().With("component", "breaker", "group", name),
		breakers: make(map[string]*breaker),
	}
}

func (g *Group) breakerFor(component string) *breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[component]
	if !ok {
		b = &breaker{recent: make([]callRecord, recentCalls)}
		g.breakers[component] = b
	}
	return b
}

// Call runs fn under the component's breaker. When the circuit is open it
// fails fast with CircuitOpenError without invoking fn.
func (g *Group) Call(ctx context.Context, component string, fn func(context.Context) error) error {
	b := g.breakerFor(component)

	if retryIn, rejected := g.preflight(b, component); rejected {
		return &CircuitOpenError{Group: g.name, Component: component, RetryIn: retryIn}
	}

	err := fn(ctx)
	g.record(b, component, err)
	return err
}

// preflight checks admission and handles the OPEN -> HALF_OPEN transition.
// HALF_OPEN admits a single in-flight trial call; concurrent callers are
// rejected until its outcome is recorded.
func (g *Group) preflight(b *breaker, component string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return 0, false
	case StateHalfOpen:
		if b.probing {
			return 0, true
		}
		b.probing = true
		return 0, false
	}

	elapsed := time.Since(b.openedAt)
	recovery := time.Duration(g.cfg.RecoveryTimeout) * time.Second
	if elapsed < recovery {
		return recovery - elapsed, true
	}

	g.transition(b, component, StateHalfOpen)
	b.successRun = 0
	b.probing = true
	return 0, false
}

func (g *Group) record(b *breaker, component string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false

	rec := callRecord{At: time.Now().UTC(), Success: err == nil}
	if err != nil {
		rec.Err = err.Error()
	}
	b.recent[b.recentCursor] = rec
	b.recentCursor++
	if b.recentCursor == len(b.recent) {
		b.recentCursor = 0
		b.recentFull = true
	}

	if err == nil {
		g.onSuccess(b, component)
	} else {
		g.onFailure(b, component, err)
	}
}

func (g *Group) onSuccess(b *breaker, component string) {
	switch b.state {
	case StateHalfOpen:
		b.successRun++
		if b.successRun >= g.cfg.SuccessThreshold {
			g.transition(b, component, StateClosed)
			b.failures = nil
			b.successRun = 0
		}
	case StateClosed:
		// Success in CLOSED does not clear the window; only time does.
	}
}

func (g *Group) onFailure(b *breaker, component string, err error) {
	b.lastFailure = err.Error()

	switch b.state {
	case StateHalfOpen:
		// One failed probe re-opens the circuit.
		g.transition(b, component, StateOpen)
		b.openedAt = time.Now()
	case StateClosed:
		now := time.Now()
		window := time.Duration(g.cfg.WindowSeconds) * time.Second
		kept := b.failures[:0]
		for _, t := range b.failures {
			if now.Sub(t) < window {
				kept = append(kept, t)
			}
		}
		b.failures = append(kept, now)
		if len(b.failures) >= g.cfg.FailureThreshold {
			g.transition(b, component, StateOpen)
			b.openedAt = now
		}
	}
}

// transition is called with b.mu held.
func (g *Group) transition(b *breaker, component string, to State) {
	if b.state == to {
		return
	}
	g.logger.Info("Circuit state change",
		"component", component,
		"from", b.state.String(),
		"to", to.String())
	b.state = to
	b.transitions++
	g.metrics.SetBreakerState(g.name, component, int(to))
}

// State returns the current state for a component.
func (g *Group) State(component string) State {
	b := g.breakerFor(component)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ComponentStatus is the reporting view of one breaker.
type ComponentStatus struct {
	Component     string       `json:"component"`
	State         string       `json:"state"`
	WindowFails   int          `json:"window_failures"`
	LastFailure   string       `json:"last_failure,omitempty"`
	OpenedAt      *time.Time   `json:"opened_at,omitempty"`
	Transitions   int          `json:"transitions"`
	RecentCalls   []callRecord `json:"recent_calls,omitempty"`
	RecentSuccess float64      `json:"recent_success_ratio"`
}

// Status reports every component breaker in the group.
func (g *Group) Status() []ComponentStatus {
	g.mu.Lock()
	components := make([]string, 0, len(g.breakers))
	for name := range g.breakers {
		components = append(components, name)
	}
	g.mu.Unlock()
	sort.Strings(components)

	out := make([]ComponentStatus, 0, len(components))
	for _, component := range components {
		b := g.breakerFor(component)
		b.mu.Lock()

		recent := make([]callRecord, 0, recentCalls)
		if b.recentFull {
			recent = append(recent, b.recent[b.recentCursor:]...)
		}
		recent = append(recent, b.recent[:b.recentCursor]...)

		ok := 0
		for _, r := range recent {
			if r.Success {
				ok++
			}
		}
		ratio := 0.0
		if len(recent) > 0 {
			ratio = float64(ok) / float64(len(recent))
		}

		status := ComponentStatus{
			Component:     component,
			State:         b.state.String(),
			WindowFails:   len(b.failures),
			LastFailure:   b.lastFailure,
			Transitions:   b.transitions,
			RecentCalls:   recent,
			RecentSuccess: ratio,
		}
		if b.state == StateOpen {
			openedAt := b.openedAt.UTC()
			status.OpenedAt = &openedAt
		}
		b.mu.Unlock()
		out = append(out, status)
	}
	return out
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }
