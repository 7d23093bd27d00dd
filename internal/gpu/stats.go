package gpu

// Stats is a point-in-time snapshot of the manager's accounting.
type Stats struct {
	TotalBudget    int64        `json:"total_budget"`
	Outstanding    int64        `json:"outstanding"`
	Available      int64        `json:"available"`
	Active         int          `json:"active"`
	ActiveByKind   map[Kind]int `json:"active_by_kind"`
	Waiting        int          `json:"waiting"`
	WaitingByKind  map[Kind]int `json:"waiting_by_kind"`
	TotalAcquired  uint64       `json:"total_acquired"`
	TotalReleased  uint64       `json:"total_released"`
	TotalTimeouts  uint64       `json:"total_timeouts"`
	TotalCancelled uint64       `json:"total_cancelled"`
}

// Stats returns a consistent snapshot taken under the manager lock.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		TotalBudget:    m.total,
		Outstanding:    m.outstanding,
		Available:      m.total - m.outstanding,
		Active:         len(m.active),
		ActiveByKind:   make(map[Kind]int, len(Kinds)),
		Waiting:        m.waiters.Len(),
		WaitingByKind:  make(map[Kind]int, len(Kinds)),
		TotalAcquired:  m.totalAcquired,
		TotalReleased:  m.totalReleased,
		TotalTimeouts:  m.totalTimeouts,
		TotalCancelled: m.totalCancelled,
	}
	for _, k := range Kinds {
		s.ActiveByKind[k] = 0
		s.WaitingByKind[k] = 0
	}
	for _, l := range m.active {
		s.ActiveByKind[l.kind]++
	}
	for e := m.waiters.Front(); e != nil; e = e.Next() {
		s.WaitingByKind[e.Value.(*waiter).kind]++
	}
	return s
}
