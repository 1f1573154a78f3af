package mctr

import (
	"fmt"
	"strings"
)

// State is the global state of the Main Controller.
//
// The numeric value of each state is its index on the event pipe, so the
// order of the constants below must not change.
type State int

const (
	// StateInactive is the state before a session is started.
	StateInactive State = iota
	// StateListening indicates the controller is waiting for host controllers.
	StateListening
	// StateListeningConfigured indicates the controller is listening and has
	// configuration data stored.
	StateListeningConfigured
	// StateHCConnected indicates at least one host controller is connected.
	StateHCConnected
	// StateConfiguring indicates configuration is being downloaded to the HCs.
	StateConfiguring
	// StateActive indicates the HCs are configured and the MTC can be created.
	StateActive
	// StateShutdown indicates the session is shutting down.
	StateShutdown
	// StateCreatingMTC indicates the MTC is being created.
	StateCreatingMTC
	// StateReady indicates the MTC is idle and ready to execute.
	StateReady
	// StateTerminatingMTC indicates the MTC is being terminated.
	StateTerminatingMTC
	// StateExecutingControl indicates a control part is running.
	StateExecutingControl
	// StateExecutingTestcase indicates a testcase is running.
	StateExecutingTestcase
	// StateTerminatingTestcase indicates a testcase is finishing.
	StateTerminatingTestcase
	// StatePaused indicates execution is paused after a testcase.
	StatePaused
)

// NumStates is the number of controller states.
const NumStates = 14

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateInactive:
		return "Inactive"
	case StateListening:
		return "Listening"
	case StateListeningConfigured:
		return "ListeningConfigured"
	case StateHCConnected:
		return "HCConnected"
	case StateConfiguring:
		return "Configuring"
	case StateActive:
		return "Active"
	case StateShutdown:
		return "Shutdown"
	case StateCreatingMTC:
		return "CreatingMTC"
	case StateReady:
		return "Ready"
	case StateTerminatingMTC:
		return "TerminatingMTC"
	case StateExecutingControl:
		return "ExecutingControl"
	case StateExecutingTestcase:
		return "ExecutingTestcase"
	case StateTerminatingTestcase:
		return "TerminatingTestcase"
	case StatePaused:
		return "Paused"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Description returns the name the controller itself uses for the state.
func (s State) Description() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateListening:
		return "listening"
	case StateListeningConfigured:
		return "listening (configured)"
	case StateHCConnected:
		return "HC connected"
	case StateConfiguring:
		return "configuring..."
	case StateActive:
		return "active"
	case StateShutdown:
		return "shutting down..."
	case StateCreatingMTC:
		return "creating MTC..."
	case StateReady:
		return "ready"
	case StateTerminatingMTC:
		return "terminating MTC..."
	case StateExecutingControl:
		return "executing control part"
	case StateExecutingTestcase:
		return "executing testcase"
	case StateTerminatingTestcase:
		return "terminating testcase..."
	case StatePaused:
		return "paused after testcase"
	default:
		return "unknown/transient"
	}
}

// Valid reports whether s is one of the fourteen controller states.
func (s State) Valid() bool {
	return s >= StateInactive && s < NumStates
}

// IsIntermediate reports whether s is a transient state that cannot be the
// result of an asynchronous request.
//
// Listening is stable, but no request ends in it: StartSession is
// synchronous and every later request moves past it.
func (s State) IsIntermediate() bool {
	switch s {
	case StateListening,
		StateConfiguring,
		StateCreatingMTC,
		StateTerminatingMTC,
		StateExecutingControl,
		StateExecutingTestcase,
		StateTerminatingTestcase,
		StateShutdown:
		return true
	default:
		return false
	}
}

// States returns all controller states in index order.
func States() []State {
	all := make([]State, NumStates)
	for i := range all {
		all[i] = State(i)
	}
	return all
}

// StateSet is an ordered set of states.
type StateSet []State

// Contains reports whether the set holds s.
func (ss StateSet) Contains(s State) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// String returns the states joined by ", ".
func (ss StateSet) String() string {
	names := make([]string, len(ss))
	for i, s := range ss {
		names[i] = s.String()
	}
	return strings.Join(names, ", ")
}
