// Package session holds the client-side view of a Main Controller session:
// the cached controller state, the connection flag, the session flags, and
// the table of states each operation is permitted in.
//
// # Locking
//
// A Machine is also the session lock. Every controller interaction, every
// state read and every state write happens with the lock held, because the
// controller's command surface is not reentrant. All Machine methods other
// than Lock and Unlock require the caller to hold the lock.
//
// # State Cache
//
// The cached state is written only by the event dispatch handler when a
// status packet arrives. Reads never poll the controller, so pushed and
// polled values cannot race.
package session

import (
	"sync"

	mctr "github.com/smnsjas/go-mctr"
)

// Flags are the per-session flags. They reset with the session.
type Flags struct {
	// ConfigPreprocessed is set once a configuration file has been handed
	// to the controller.
	ConfigPreprocessed bool
	// ShutdownRequested is set while a shutdown is in progress.
	ShutdownRequested bool
}

// Machine is the session state machine and the session lock.
type Machine struct {
	mu sync.Mutex

	state     mctr.State
	connected bool
	flags     Flags

	// changed is closed and replaced on every state or connection change.
	changed chan struct{}
}

// New creates a disconnected Machine in StateInactive.
func New() *Machine {
	return &Machine{
		state:   mctr.StateInactive,
		changed: make(chan struct{}),
	}
}

// Lock acquires the session lock.
func (m *Machine) Lock() { m.mu.Lock() }

// Unlock releases the session lock.
func (m *Machine) Unlock() { m.mu.Unlock() }

// State returns the cached controller state.
func (m *Machine) State() mctr.State {
	return m.state
}

// Connected reports whether a session handle is active, regardless of state.
func (m *Machine) Connected() bool {
	return m.connected
}

// Flags returns a pointer to the session flags for reading and updating.
func (m *Machine) Flags() *Flags {
	return &m.flags
}

// Set records a state reported by the controller.
func (m *Machine) Set(s mctr.State) {
	m.state = s
	m.notify()
}

// Connect marks the session as connected and resets it to a fresh
// StateInactive session with cleared flags.
func (m *Machine) Connect() {
	m.connected = true
	m.state = mctr.StateInactive
	m.flags = Flags{}
	m.notify()
}

// Disconnect marks the session as released.
func (m *Machine) Disconnect() {
	m.connected = false
	m.state = mctr.StateInactive
	m.flags = Flags{}
	m.notify()
}

// Changed returns a channel that is closed at the next state or connection
// change. Take it with the lock held, then wait on it after unlocking.
func (m *Machine) Changed() <-chan struct{} {
	return m.changed
}

func (m *Machine) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// CheckConnection returns nil if the connection state equals want.
func (m *Machine) CheckConnection(want bool) error {
	if m.connected == want {
		return nil
	}
	if want {
		return mctr.ErrNotConnected
	}
	return mctr.ErrAlreadyConnected
}

// Check returns nil if op is permitted in the current state.
func (m *Machine) Check(op Operation) error {
	if err := m.CheckConnection(true); err != nil {
		return err
	}
	return mctr.CheckState(m.state, Allowed(op)...)
}
