// Package session holds the live, in-memory state of each conversation.
//
// The live context is what survives between turns without a disk read:
// turn count, learned preferences, discovered facts, named entities, a
// bounded deque of recent actions, and the last turn's summary. One turn
// runs per session at a time; a second concurrent turn queues behind the
// first and starts when the slot frees, unless its context expires while
// waiting.
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/cortex/pkg/protocol"
)

// ErrTurnInFlight is returned when a queued turn gives up waiting for the
// session's slot because its context was cancelled.
var ErrTurnInFlight = fmt.Errorf("a turn is already in flight for this session")

// Action is one recorded session event.
type Action struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Summary string    `json:"summary"`
}

// Context is the live state of one session.
type Context struct {
	sessionID  string
	keepRecent int
	slot       chan struct{}

	mu              sync.Mutex
	inFlight        bool
	turnCount       int
	preferences     map[string]string
	discoveredFacts []string
	entities        map[string]string
	recentActions   []Action
	lastSummary     *protocol.TurnSummary
	lastActive      time.Time
}

func newContext(sessionID string, keepRecent int) *Context {
	if keepRecent <= 0 {
		keepRecent = 10
	}
	return &Context{
		sessionID:   sessionID,
		keepRecent:  keepRecent,
		slot:        make(chan struct{}, 1),
		preferences: make(map[string]string),
		entities:    make(map[string]string),
		lastActive:  time.Now().UTC(),
	}
}

// SessionID returns the session identifier.
func (c *Context) SessionID() string { return c.sessionID }

// BeginTurn acquires the session's single turn slot, waiting behind an
// in-flight turn until the slot frees or ctx expires. The returned release
// function must be called when the turn finishes, success or not.
func (c *Context) BeginTurn(ctx context.Context) (release func(), err error) {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTurnInFlight, ctx.Err())
	}

	c.mu.Lock()
	c.inFlight = true
	c.lastActive = time.Now().UTC()
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.inFlight = false
			c.mu.Unlock()
			<-c.slot
		})
	}, nil
}

// TurnCount returns completed turns.
func (c *Context) TurnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnCount
}

// SetPreference records a learned preference.
func (c *Context) SetPreference(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preferences[key] = value
}

// AddFact records a discovered fact, deduplicated.
func (c *Context) AddFact(fact string) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.discoveredFacts {
		if f == fact {
			return
		}
	}
	c.discoveredFacts = append(c.discoveredFacts, fact)
}

// SetEntity records a named entity ("the laptop" -> "ThinkPad X1").
func (c *Context) SetEntity(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[name] = value
}

// Entity resolves a named entity.
func (c *Context) Entity(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entities[name]
	return v, ok
}

// RecordAction appends to the bounded recent-actions deque.
func (c *Context) RecordAction(kind, summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recentActions = append(c.recentActions, Action{
		At:      time.Now().UTC(),
		Kind:    kind,
		Summary: summary,
	})
	if len(c.recentActions) > c.keepRecent {
		c.recentActions = c.recentActions[len(c.recentActions)-c.keepRecent:]
	}
}

// RecentActions returns a copy of the deque, oldest first.
func (c *Context) RecentActions() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Action, len(c.recentActions))
	copy(out, c.recentActions)
	return out
}

// CompleteTurn folds a finished turn into the context: the count moves,
// the summary is retained, and learned preferences are absorbed.
func (c *Context) CompleteTurn(summary *protocol.TurnSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnCount++
	c.lastActive = time.Now().UTC()
	if summary == nil {
		return
	}
	c.lastSummary = summary
	for k, v := range summary.PreferencesLearned {
		c.preferences[k] = v
	}
	for _, finding := range summary.KeyFindings {
		c.addFactLocked(finding)
	}
}

func (c *Context) addFactLocked(fact string) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return
	}
	for _, f := range c.discoveredFacts {
		if f == fact {
			return
		}
	}
	c.discoveredFacts = append(c.discoveredFacts, fact)
}

// LastSummary returns the previous turn's summary, if any.
func (c *Context) LastSummary() *protocol.TurnSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSummary
}

// AsMarkdown renders the live context for prompt composition.
func (c *Context) AsMarkdown() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s, turn %d.\n", c.sessionID, c.turnCount+1)

	if len(c.preferences) > 0 {
		b.WriteString("\n### Preferences\n")
		keys := make([]string, 0, len(c.preferences))
		for k := range c.preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, c.preferences[k])
		}
	}

	if len(c.discoveredFacts) > 0 {
		b.WriteString("\n### Discovered facts\n")
		for _, f := range c.discoveredFacts {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if len(c.entities) > 0 {
		b.WriteString("\n### Entities\n")
		names := make([]string, 0, len(c.entities))
		for n := range c.entities {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(&b, "- %s: %s\n", n, c.entities[n])
		}
	}

	if len(c.recentActions) > 0 {
		b.WriteString("\n### Recent actions\n")
		for _, a := range c.recentActions {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", a.At.Format(time.RFC3339), a.Kind, a.Summary)
		}
	}

	if c.lastSummary != nil {
		b.WriteString("\n### Last turn\n")
		b.WriteString(c.lastSummary.ShortSummary)
		b.WriteString("\n")
	}
	return b.String()
}

// Manager hands out live contexts by session ID.
type Manager struct {
	keepRecent int

	mu       sync.Mutex
	sessions map[string]*Context
}

// NewManager creates a session manager. keepRecent bounds each session's
// recent-actions deque.
func NewManager(keepRecent int) *Manager {
	return &Manager{
		keepRecent: keepRecent,
		sessions:   make(map[string]*Context),
	}
}

// Get returns the live context for a session, creating it on first use.
func (m *Manager) Get(sessionID string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[sessionID]
	if !ok {
		c = newContext(sessionID, m.keepRecent)
		m.sessions[sessionID] = c
	}
	return c
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Evict drops sessions idle longer than maxIdle and returns the count.
func (m *Manager) Evict(maxIdle time.Duration) int {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.sessions {
		c.mu.Lock()
		idle := now.Sub(c.lastActive)
		busy := c.inFlight
		c.mu.Unlock()
		if !busy && idle > maxIdle {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}
