package lifecycle

import (
	"time"

	"github.com/p-arndt/werkstatt/internal/store"
)

type Statistics struct {
	ActiveCount            int        `json:"active_count"`
	TotalTracked           int        `json:"total_tracked"`
	OldestBindingCreatedAt *time.Time `json:"oldest_binding_created_at,omitempty"`
	AverageIdleMinutes     float64    `json:"average_idle_minutes"`
}

// Statistics summarizes the tracked bindings. Bindings in the warning
// window still count as active.
func (m *Manager) Statistics() Statistics {
	now := m.now().UTC()
	var st Statistics
	var idleTotal time.Duration
	m.bindings.Range(func(_ string, b *store.ThreadBinding) bool {
		st.TotalTracked++
		if b.IsActive && b.State != store.BindingReclaiming {
			st.ActiveCount++
			idleTotal += now.Sub(b.LastActivityAt)
		}
		if st.OldestBindingCreatedAt == nil || b.CreatedAt.Before(*st.OldestBindingCreatedAt) {
			created := b.CreatedAt
			st.OldestBindingCreatedAt = &created
		}
		return true
	})
	if st.ActiveCount > 0 {
		st.AverageIdleMinutes = idleTotal.Minutes() / float64(st.ActiveCount)
	}
	return st
}
