package health

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Monitor holds the latest status reported by each component of a process.
// A nil Monitor ignores updates.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	now      func() time.Time
}

func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status), now: time.Now}
}

// Update stores status for name, stamping it if the caller did not.
func (m *Monitor) Update(name string, status Status) {
	if m == nil {
		return
	}
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = m.now()
	}
	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

func (m *Monitor) UpdateHealthy(name, message string)   { m.Update(name, NewHealthy(name, message)) }
func (m *Monitor) UpdateDegraded(name, message string)  { m.Update(name, NewDegraded(name, message)) }
func (m *Monitor) UpdateUnhealthy(name, message string) { m.Update(name, NewUnhealthy(name, message)) }

func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	s, ok := m.statuses[name]
	m.mu.RUnlock()
	return s, ok
}

func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	m.mu.Unlock()
}

// AggregateHealth folds every component into one status for system, with
// the components ordered by name.
func (m *Monitor) AggregateHealth(system string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(subs, func(a, b Status) int { return strings.Compare(a.Component, b.Component) })
	return Aggregate(system, subs)
}
