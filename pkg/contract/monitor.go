package contract

import (
	"sync"
	"time"
)

// monitorWindow is how many enforcement events the ring retains.
const monitorWindow = 100

// Event is one recorded enforcement attempt.
type Event struct {
	Component string    `json:"component"`
	Repaired  bool      `json:"repaired"`
	Failed    bool      `json:"failed"`
	At        time.Time `json:"at"`
}

// ComponentStats aggregates events for one component.
type ComponentStats struct {
	Total      int     `json:"total"`
	Repaired   int     `json:"repaired"`
	Failed     int     `json:"failed"`
	RepairRate float64 `json:"repair_rate"`
}

// Monitor keeps a bounded ring of enforcement events and computes per
// component repair rates over that window.
type Monitor struct {
	mu     sync.Mutex
	ring   []Event
	next   int
	filled bool
}

// NewMonitor creates a monitor retaining the last size events.
func NewMonitor(size int) *Monitor {
	if size <= 0 {
		size = monitorWindow
	}
	return &Monitor{ring: make([]Event, size)}
}

func (m *Monitor) record(component string, repaired, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = Event{
		Component: component,
		Repaired:  repaired,
		Failed:    failed,
		At:        time.Now().UTC(),
	}
	m.next++
	if m.next == len(m.ring) {
		m.next = 0
		m.filled = true
	}
}

// Events returns the retained events, oldest first.
func (m *Monitor) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.filled {
		out := make([]Event, m.next)
		copy(out, m.ring[:m.next])
		return out
	}
	out := make([]Event, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	out = append(out, m.ring[:m.next]...)
	return out
}

// Stats aggregates the window per component.
func (m *Monitor) Stats() map[string]ComponentStats {
	stats := make(map[string]ComponentStats)
	for _, ev := range m.Events() {
		s := stats[ev.Component]
		s.Total++
		if ev.Repaired {
			s.Repaired++
		}
		if ev.Failed {
			s.Failed++
		}
		stats[ev.Component] = s
	}
	for component, s := range stats {
		if s.Total > 0 {
			s.RepairRate = float64(s.Repaired) / float64(s.Total)
		}
		stats[component] = s
	}
	return stats
}

// RepairRate returns the repair rate for one component over the window.
func (m *Monitor) RepairRate(component string) float64 {
	return m.Stats()[component].RepairRate
}
