// Package mctr provides a Go client for driving a TTCN-3 test-execution
// Main Controller (MC) through its session state graph.
//
// The Main Controller is an external process. This module talks to it through
// the [Controller] bridge interface: commands go out as method calls and the
// controller reports back on an event pipe carrying status, error and
// notification packets.
//
// # Architecture
//
// The module is organized into layers:
//
//   - packet: pipe packet decoding and encoding
//   - pipe: framed reader and writer for the event pipe
//   - session: cached controller state and the permitted-operation table
//   - dispatch: the event dispatch loop
//   - executor: the asynchronous operation surface
//   - syncexec: blocking wrappers around the asynchronous operations
//   - hostctl: host controller descriptors and launchers
//   - simulator: an in-process controller for tests and demos
//   - relay: websocket fan-out of session events
//
// # State Graph
//
// The controller moves through fourteen states:
//
//	Inactive ─→ Listening ─→ ListeningConfigured
//	               │               │
//	               └─→ HCConnected ─┴─→ Configuring ─→ Active
//	                                                      │
//	       Active ←─ TerminatingMTC ←─ Ready ←─ CreatingMTC
//	                                    │ ↑
//	           ExecutingControl/ExecutingTestcase ─→ TerminatingTestcase ─→ Paused
//
// Any connected state leads to Shutdown and back to Inactive when the session
// is shut down.
//
// # Basic Usage
//
//	exec := executor.New(ctrl)
//	s := syncexec.New(exec)
//	if err := s.Init(); err != nil {
//	    return err
//	}
//	if err := s.StartSession(ctx); err != nil {
//	    return err
//	}
//	if err := s.StartHostControllers(ctx); err != nil {
//	    return err
//	}
//	// configure, create the MTC, execute, exit, shut down
package mctr

// Version is the library version.
const Version = "0.1.0-dev"
