package service

import (
	"sync"
	"time"

	"ballot-ledger/models"
)

type GateState string

const (
	GateActive GateState = "active"
	GateHalted GateState = "halted"
)

// GateStatus is a snapshot of the operating gate.
type GateStatus struct {
	State   GateState                `json:"state"`
	Since   time.Time                `json:"since"`
	Stored  *models.EndpointIdentity `json:"stored,omitempty"`
	Current *models.EndpointIdentity `json:"current,omitempty"`
}

// Gate blocks registration and voting while the ledger endpoint differs
// from the acknowledged one.
type Gate struct {
	mu       sync.RWMutex
	mismatch *models.EndpointMismatchError
	since    time.Time
}

func NewGate() *Gate {
	return &Gate{since: time.Now().UTC()}
}

// Halt closes the gate. It reports whether the gate was open before.
func (g *Gate) Halt(m *models.EndpointMismatchError) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	wasOpen := g.mismatch == nil
	if wasOpen {
		g.since = time.Now().UTC()
	}
	g.mismatch = m
	return wasOpen
}

func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mismatch != nil {
		g.since = time.Now().UTC()
	}
	g.mismatch = nil
}

func (g *Gate) IsActive() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mismatch == nil
}

// Check returns the pending endpoint mismatch, if any.
func (g *Gate) Check() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.mismatch != nil {
		return g.mismatch
	}
	return nil
}

func (g *Gate) Status() GateStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := GateStatus{State: GateActive, Since: g.since}
	if g.mismatch != nil {
		s.State = GateHalted
		s.Stored = g.mismatch.Stored
		cur := g.mismatch.Current
		s.Current = &cur
	}
	return s
}
