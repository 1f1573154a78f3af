package mctr

import (
	"fmt"
	"time"
)

// Verdict is the outcome classification of a single executed testcase.
type Verdict int

const (
	VerdictNone Verdict = iota
	VerdictPass
	VerdictInconc
	VerdictFail
	VerdictError
)

// Verdicts lists all verdicts in their natural order.
var Verdicts = []Verdict{VerdictNone, VerdictPass, VerdictInconc, VerdictFail, VerdictError}

// String returns the verdict name as the controller prints it.
func (v Verdict) String() string {
	switch v {
	case VerdictNone:
		return "none"
	case VerdictPass:
		return "pass"
	case VerdictInconc:
		return "inconc"
	case VerdictFail:
		return "fail"
	case VerdictError:
		return "error"
	default:
		return fmt.Sprintf("Unknown(%d)", int(v))
	}
}

// ParseVerdict returns the verdict named s.
func ParseVerdict(s string) (Verdict, bool) {
	for _, v := range Verdicts {
		if v.String() == s {
			return v, true
		}
	}
	return VerdictNone, false
}

// HCState is the state of a host controller as seen by the MC.
type HCState int

const (
	HCIdle HCState = iota
	HCConfiguring
	HCActive
	HCOverloaded
	HCConfiguringOverloaded
	HCExiting
	HCDown
)

// String returns the controller's name for the host controller state.
func (s HCState) String() string {
	switch s {
	case HCIdle:
		return "not configured"
	case HCConfiguring, HCConfiguringOverloaded:
		return "being configured"
	case HCActive:
		return "ready"
	case HCOverloaded:
		return "overloaded"
	case HCDown:
		return "down"
	default:
		return "unknown/transient"
	}
}

// TCState is the state of a test component.
type TCState int

const (
	TCInitial TCState = iota
	TCIdle
	TCCreate
	TCStart
	TCStop
	TCKill
	TCConnect
	TCDisconnect
	TCMap
	TCUnmap
	TCStopping
	TCExiting
	TCExited
	MTCControlPart
	MTCTestcase
	MTCAllComponentStop
	MTCAllComponentKill
	MTCTerminatingTestcase
	MTCPaused
	PTCFunction
	PTCStarting
	PTCStopped
	PTCKilling
	PTCStoppingKilling
	PTCStale
	TCSystem
	MTCConfiguring
)

// String returns the controller's name for the component state.
func (s TCState) String() string {
	switch s {
	case TCInitial:
		return "being created"
	case TCIdle:
		return "inactive - waiting for start"
	case TCCreate:
		return "executing create operation"
	case TCStart:
		return "executing component start operation"
	case TCStop, MTCAllComponentStop:
		return "executing component stop operation"
	case TCKill, MTCAllComponentKill:
		return "executing kill operation"
	case TCConnect:
		return "executing connect operation"
	case TCDisconnect:
		return "executing disconnect operation"
	case TCMap:
		return "executing map operation"
	case TCUnmap:
		return "executing unmap operation"
	case TCStopping:
		return "being stopped"
	case TCExiting:
		return "terminated"
	case TCExited:
		return "exited"
	case MTCControlPart:
		return "executing control part"
	case MTCTestcase:
		return "executing testcase"
	case MTCTerminatingTestcase:
		return "terminating testcase"
	case MTCPaused:
		return "paused"
	case PTCFunction:
		return "executing function"
	case PTCStarting:
		return "being started"
	case PTCStopped:
		return "stopped - waiting for re-start"
	case PTCKilling, PTCStoppingKilling:
		return "being killed"
	default:
		return "unknown/transient"
	}
}

// Transport is a transport type supported by a host.
type Transport int

const (
	TransportLocal Transport = iota
	TransportInetStream
	TransportUnixStream
)

// String returns the controller's name for the transport.
func (t Transport) String() string {
	switch t {
	case TransportLocal:
		return "LOCAL (software loop)"
	case TransportInetStream:
		return "INET_STREAM (TCP over IPv4)"
	case TransportUnixStream:
		return "UNIX_STREAM (UNIX domain socket)"
	default:
		return "unknown"
	}
}

// Timeval is a timestamp with microsecond resolution as carried on the pipe.
type Timeval struct {
	Sec  int64
	Usec int64
}

// TimevalOf converts t to a Timeval.
func TimevalOf(t time.Time) Timeval {
	return Timeval{Sec: t.Unix(), Usec: int64(t.Nanosecond() / 1000)}
}

// Now returns the current time as a Timeval.
func Now() Timeval {
	return TimevalOf(time.Now())
}

// Time converts tv to a time.Time.
func (tv Timeval) Time() time.Time {
	return time.Unix(tv.Sec, tv.Usec*1000)
}

// String formats tv as seconds.microseconds.
func (tv Timeval) String() string {
	return fmt.Sprintf("%d.%06d", tv.Sec, tv.Usec)
}

// QualifiedName identifies a TTCN-3 definition inside a module.
type QualifiedName struct {
	Module     string
	Definition string
}

// String returns module.definition, or an empty string for a zero name.
func (q QualifiedName) String() string {
	if q.Module == "" {
		return q.Definition
	}
	return q.Module + "." + q.Definition
}

// HostData is a snapshot of one host known to the controller.
type HostData struct {
	Address              string
	Hostname             string
	HostnameLocal        string
	MachineType          string
	SystemName           string
	SystemRelease        string
	SystemVersion        string
	TransportsSupported  []bool // indexed by Transport
	LogSource            string
	State                HCState
	Components           []int
	AllowedComponents    []string
	AllComponentsAllowed bool
	ActiveComponents     int
}

// SupportsTransport reports whether the host supports t.
func (h *HostData) SupportsTransport(t Transport) bool {
	return int(t) >= 0 && int(t) < len(h.TransportsSupported) && h.TransportsSupported[t]
}

// ComponentData is a snapshot of one test component.
type ComponentData struct {
	Ref           int
	Type          QualifiedName
	Name          string
	LogSource     string
	Location      *HostData
	State         TCState
	LocalVerdict  Verdict
	FunctionName  QualifiedName
	ReturnType    string
	IsAlive       bool
	StopRequested bool
	ProcessKilled bool
}

// Component references with fixed meaning.
const (
	NullCompRef   = 0
	MTCCompRef    = 1
	SystemCompRef = 2
)
