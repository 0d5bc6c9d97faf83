// Package editguard keeps incoming server values from overwriting a field the user is typing in.
//
// A guard moves between three states:
//
//	Idle     --input-->                      Editing
//	Editing  --idle timeout-->               Idle
//	Editing  --incoming != local, non-empty--> Diverged
//	Diverged --RefreshFromServer-->          Idle (local := server value)
//	Diverged --idle timeout-->               Idle (local kept, diverged until saved or overwritten)
//	Idle     --incoming-->                   Idle (local := server value)
//
// Expiry is evaluated against the injected clock on every call, so no timers run in the background.
package editguard

import (
	"sync"
	"time"
)

// DefaultIdleTimeout bounds how long a field resists synchronization without further input.
const DefaultIdleTimeout = 10 * time.Second

// State names the position of a guard in its state machine.
type State int

const (
	StateIdle State = iota
	StateEditing
	StateDiverged
)

func (s State) String() string {
	switch s {
	case StateEditing:
		return "editing"
	case StateDiverged:
		return "diverged"
	default:
		return "idle"
	}
}

// Snapshot is a point-in-time copy of a guard.
type Snapshot struct {
	FieldKey             string
	State                State
	Editing              bool
	Diverged             bool
	LocalValue           string
	LastKnownServerValue string
	Expiry               time.Time
}

type Config struct {
	IdleTimeout time.Duration
	Clock       func() time.Time
}

// Guard tracks one editable field of one resource.
type Guard struct {
	mu          sync.Mutex
	fieldKey    string
	editing     bool
	diverged    bool
	local       string
	server      string
	expiry      time.Time
	idleTimeout time.Duration
	clock       func() time.Time
}

// New returns an idle guard whose local and server values are initial.
func New(fieldKey, initial string, cfg Config) *Guard {
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Guard{
		fieldKey:    fieldKey,
		local:       initial,
		server:      initial,
		idleTimeout: idleTimeout,
		clock:       clock,
	}
}

// Input records a keystroke: the field enters Editing and the idle window restarts.
func (g *Guard) Input(value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.editing = true
	g.local = value
	g.expiry = g.clock().Add(g.idleTimeout)
	if g.diverged && g.local == g.server {
		g.diverged = false
	}
}

// Incoming offers an authoritative server value and reports whether the local value changed.
// While editing, the local value is kept; an empty incoming value is treated as a fetch race
// and ignored.
func (g *Guard) Incoming(value string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked()

	if !g.editing {
		g.server = value
		g.diverged = false
		if g.local == value {
			return false
		}
		g.local = value
		return true
	}

	if value == "" {
		return false
	}
	g.server = value
	g.diverged = value != g.local
	return false
}

// RefreshFromServer adopts the last known server value and returns the field to Idle.
func (g *Guard) RefreshFromServer() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.local = g.server
	g.editing = false
	g.diverged = false
	g.expiry = time.Time{}
	return g.local
}

// Saved records that value was persisted. Divergence clears; the field only leaves Editing
// when nothing was typed after the saved value.
func (g *Guard) Saved(value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked()
	g.server = value
	g.diverged = false
	if !g.editing {
		g.local = value
		return
	}
	if g.local == value {
		g.editing = false
		g.expiry = time.Time{}
	}
}

// Value returns the value to display.
func (g *Guard) Value() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.local
}

// Snapshot returns the current guard state after applying any elapsed idle timeout.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLocked()
	return Snapshot{
		FieldKey:             g.fieldKey,
		State:                g.stateLocked(),
		Editing:              g.editing,
		Diverged:             g.diverged,
		LocalValue:           g.local,
		LastKnownServerValue: g.server,
		Expiry:               g.expiry,
	}
}

func (g *Guard) expireLocked() {
	if g.editing && !g.clock().Before(g.expiry) {
		g.editing = false
		g.expiry = time.Time{}
	}
}

func (g *Guard) stateLocked() State {
	switch {
	case g.editing && g.diverged:
		return StateDiverged
	case g.editing:
		return StateEditing
	default:
		return StateIdle
	}
}
