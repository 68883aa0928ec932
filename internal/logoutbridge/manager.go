package logoutbridge

import (
	"sync"

	"fastnear.io/wallet-adapter/pkg/log"
)

// Manager keeps at most one live channel per session. Ensuring with the same
// identity tuple reuses the existing channel; a different tuple replaces it.
type Manager struct {
	dialer Dialer

	mu      sync.Mutex
	current *Channel
	ident   string
}

func NewManager(dialer Dialer) *Manager {
	return &Manager{dialer: dialer}
}

// Ensure makes sure a channel matching config is running and returns it.
func (m *Manager) Ensure(config ChannelConfig) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	ident := config.identity()
	if m.current != nil {
		if m.ident == ident && !m.current.PermanentlyFailed() {
			return m.current
		}
		log.Debugf("logout bridge - replacing channel for %v", config.AccountID)
		m.current.Close()
	}
	m.current = newChannel(config, m.dialer)
	m.ident = ident
	return m.current
}

// Drop closes the current channel if any.
func (m *Manager) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
		m.ident = ""
	}
}
