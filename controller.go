package mctr

import "io"

// Controller is the command surface of a Main Controller.
//
// Commands are asynchronous: a method returns once the controller has
// accepted the request, and the outcome arrives later as packets on the
// event stream returned by Initialize. A command issued in the wrong state is
// reported on the event stream as an error packet rather than returned.
//
// Implementations are not required to be safe for concurrent use; callers
// serialize all access through one session lock.
type Controller interface {
	// Initialize prepares the controller for a new session and returns the
	// read end of its event stream. maxPTCs bounds the number of parallel
	// test components.
	Initialize(maxPTCs int) (io.Reader, error)
	// Terminate releases the controller and closes the event stream.
	Terminate()

	// AddHost adds host to the named host group.
	AddHost(group, host string)
	// AssignComponent assigns a component type to a host or host group.
	AssignComponent(hostOrGroup, component string)
	// DestroyHostGroups removes all host groups.
	DestroyHostGroups()
	// SetKillTimer sets the component kill timer in seconds.
	SetKillTimer(seconds float64)

	// SetConfigFile preprocesses the configuration file at path. The
	// controller stores the result for the next Configure call.
	SetConfigFile(path string)
	// MCHost returns the local address from the preprocessed configuration.
	MCHost() string
	// Port returns the TCP port from the preprocessed configuration.
	Port() int

	// StartSession starts listening for host controllers and returns the
	// listening port, or a value <= 0 on failure.
	StartSession(localAddress string, port int, unixSockets bool) int
	// ShutdownSession starts shutting the session down.
	ShutdownSession()
	// Configure sends configuration data to the HCs. An empty config means
	// the stored configuration from SetConfigFile is used.
	Configure(config string)

	// CreateMTC creates the main test component on the host at hostIndex.
	CreateMTC(hostIndex int)
	// ExitMTC terminates the main test component.
	ExitMTC()
	// ExecuteControl runs the control part of module.
	ExecuteControl(module string)
	// ExecuteTestcase runs a single testcase.
	ExecuteTestcase(module, testcase string)
	// ExecuteCfgLen returns the number of items in the [EXECUTE] section.
	ExecuteCfgLen() int
	// ExecuteCfg runs the [EXECUTE] item at index.
	ExecuteCfg(index int)

	// SetStopAfterTestcase enables or disables pausing after each testcase.
	SetStopAfterTestcase(stop bool)
	// StopAfterTestcase reports whether pausing after testcases is enabled.
	StopAfterTestcase() bool
	// ContinueTestcase resumes a paused execution.
	ContinueTestcase()
	// StopExecution stops the running execution.
	StopExecution()

	// NumHosts returns the number of connected hosts.
	NumHosts() int
	// HostData returns a snapshot of the host at index.
	HostData(index int) (HostData, bool)
	// ComponentData returns a snapshot of the component with reference ref.
	ComponentData(ref int) (ComponentData, bool)
	// ReleaseData releases resources held for the previous data query.
	ReleaseData()
}
