package device

import (
	"github.com/dokzlo13/dingzd/internal/topology"
)

// ChannelStatus is a channel together with its live state.
type ChannelStatus struct {
	Channel
	State ChannelState `json:"state"`
}

// Status is a point-in-time view of one session.
type Status struct {
	MAC       string             `json:"mac"`
	Name      string             `json:"name,omitempty"`
	Address   string             `json:"address"`
	Family    Family             `json:"family"`
	Model     string             `json:"model"`
	Reachable bool               `json:"reachable"`
	Breaker   string             `json:"breaker"`
	Snapshot  *topology.Snapshot `json:"snapshot,omitempty"`
	Channels  []ChannelStatus    `json:"channels"`
}

// Status returns the session's current view.
func (s *Session) Status() Status {
	id := s.Identity()
	st := Status{
		MAC:       s.mac,
		Name:      id.Name,
		Address:   id.Address,
		Family:    s.family,
		Model:     id.Model,
		Reachable: s.Reachable(),
		Breaker:   s.BreakerState().String(),
	}
	if r := s.currentResolver(); r != nil {
		snap := r.Current()
		st.Snapshot = &snap
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	st.Channels = make([]ChannelStatus, 0, len(s.channels))
	for _, ch := range s.channels {
		st.Channels = append(st.Channels, ChannelStatus{Channel: ch, State: s.state[ch.ID]})
	}
	return st
}

// Statuses returns the view of every session ordered by MAC.
func (m *Manager) Statuses() []Status {
	sessions := m.List()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// Status returns the view of the session for mac.
func (m *Manager) Status(mac string) (Status, bool) {
	s, ok := m.Get(mac)
	if !ok {
		return Status{}, false
	}
	return s.Status(), true
}
