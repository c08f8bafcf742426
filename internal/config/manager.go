package config

import (
	"fmt"
	"sync"
)

// Manager provides thread-safe access to a live config snapshot. Reload swaps
// the whole snapshot atomically; readers never observe a partial update.
type Manager struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// LoadManager loads the config at path and wraps it in a manager.
func LoadManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, path: path}, nil
}

// NewManager wraps an in-memory config, mainly for tests.
func NewManager(cfg *Config) *Manager {
	return &Manager{cfg: cfg}
}

// Get returns the current config snapshot.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the config file and swaps it in. A failed load leaves the
// current snapshot untouched.
func (m *Manager) Reload() error {
	if m.path == "" {
		return fmt.Errorf("config: manager has no file to reload from")
	}
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}
