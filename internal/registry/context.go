package registry

import (
	"fmt"
	"sync"
)

// Snapshot bundles the registries one pipeline run reads from.
type Snapshot struct {
	CSR *CSR
	CPR *CPR
}

// Context carries the registries for a pipeline run. Readers take immutable
// snapshots; Reload swaps the whole snapshot under an exclusive lock so no
// reader ever observes a half-updated registry pair.
type Context struct {
	mu   sync.RWMutex
	snap Snapshot

	csrPath string
	cprPath string
}

// NewContext loads both registries and returns a run context.
func NewContext(csrPath, cprPath string) (*Context, error) {
	csr, err := LoadCSR(csrPath)
	if err != nil {
		return nil, err
	}
	cpr, err := LoadCPR(cprPath)
	if err != nil {
		return nil, err
	}
	return &Context{
		snap:    Snapshot{CSR: csr, CPR: cpr},
		csrPath: csrPath,
		cprPath: cprPath,
	}, nil
}

// NewStaticContext wraps pre-built registries, mainly for tests.
func NewStaticContext(csr *CSR, cpr *CPR) *Context {
	return &Context{snap: Snapshot{CSR: csr, CPR: cpr}}
}

// Snapshot returns the current registry pair.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Reload re-reads both artifacts from their original paths and swaps them in
// atomically. A failed load leaves the current snapshot untouched.
func (c *Context) Reload() error {
	if c.csrPath == "" || c.cprPath == "" {
		return fmt.Errorf("registry: context has no artifact paths to reload from")
	}
	csr, err := LoadCSR(c.csrPath)
	if err != nil {
		return fmt.Errorf("registry: reload: %w", err)
	}
	cpr, err := LoadCPR(c.cprPath)
	if err != nil {
		return fmt.Errorf("registry: reload: %w", err)
	}
	c.mu.Lock()
	c.snap = Snapshot{CSR: csr, CPR: cpr}
	c.mu.Unlock()
	return nil
}
