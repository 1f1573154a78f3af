package session

import (
	"fmt"

	mctr "github.com/smnsjas/go-mctr"
)

// Operation identifies a state-checked executor operation.
type Operation int

const (
	OpAddHostController Operation = iota
	OpSetConfigFile
	OpAddHostGroup
	OpAssignComponent
	OpDestroyHostGroups
	OpSetKillTimer
	OpStartSession
	OpStartHostControllers
	OpConfigure
	OpCreateMTC
	OpExecuteControl
	OpExecuteTestcase
	OpExecuteCfgLen
	OpExecuteCfg
	OpContinueExecution
	OpStopExecution
	OpExitMTC
	OpHostData
	OpComponentData

	numOperations
)

// Operations returns every state-checked operation.
func Operations() []Operation {
	ops := make([]Operation, numOperations)
	for i := range ops {
		ops[i] = Operation(i)
	}
	return ops
}

// String returns a string representation of the operation.
func (op Operation) String() string {
	switch op {
	case OpAddHostController:
		return "AddHostController"
	case OpSetConfigFile:
		return "SetConfigFile"
	case OpAddHostGroup:
		return "AddHostGroup"
	case OpAssignComponent:
		return "AssignComponent"
	case OpDestroyHostGroups:
		return "DestroyHostGroups"
	case OpSetKillTimer:
		return "SetKillTimer"
	case OpStartSession:
		return "StartSession"
	case OpStartHostControllers:
		return "StartHostControllers"
	case OpConfigure:
		return "Configure"
	case OpCreateMTC:
		return "CreateMTC"
	case OpExecuteControl:
		return "ExecuteControl"
	case OpExecuteTestcase:
		return "ExecuteTestcase"
	case OpExecuteCfgLen:
		return "ExecuteCfgLen"
	case OpExecuteCfg:
		return "ExecuteCfg"
	case OpContinueExecution:
		return "ContinueExecution"
	case OpStopExecution:
		return "StopExecution"
	case OpExitMTC:
		return "ExitMTC"
	case OpHostData:
		return "HostData"
	case OpComponentData:
		return "ComponentData"
	default:
		return fmt.Sprintf("Unknown(%d)", int(op))
	}
}

var allowed = [numOperations]mctr.StateSet{
	OpAddHostController:    {mctr.StateInactive, mctr.StateListening, mctr.StateListeningConfigured},
	OpSetConfigFile:        {mctr.StateInactive},
	OpAddHostGroup:         {mctr.StateInactive},
	OpAssignComponent:      {mctr.StateInactive},
	OpDestroyHostGroups:    {mctr.StateInactive},
	OpSetKillTimer:         {mctr.StateInactive, mctr.StateListening, mctr.StateHCConnected},
	OpStartSession:         {mctr.StateInactive},
	OpStartHostControllers: {mctr.StateListening, mctr.StateListeningConfigured},
	OpConfigure:            {mctr.StateHCConnected, mctr.StateListening, mctr.StateListeningConfigured},
	OpCreateMTC:            {mctr.StateActive},
	OpExecuteControl:       {mctr.StateReady},
	OpExecuteTestcase:      {mctr.StateReady},
	OpExecuteCfgLen:        {mctr.StateReady},
	OpExecuteCfg:           {mctr.StateReady},
	OpContinueExecution:    {mctr.StatePaused},
	OpStopExecution:        {mctr.StateReady, mctr.StateExecutingControl, mctr.StateExecutingTestcase, mctr.StatePaused},
	OpExitMTC:              {mctr.StateReady},
	OpHostData:             {mctr.StateHCConnected, mctr.StateActive, mctr.StateReady},
	OpComponentData:        {mctr.StateReady},
}

// Allowed returns the states op may be invoked in.
func Allowed(op Operation) mctr.StateSet {
	if op < 0 || op >= numOperations {
		return nil
	}
	return allowed[op]
}

// ShutdownStep is the corrective action a shutdown takes in a given state.
type ShutdownStep int

const (
	// StepNone waits for the next status change.
	StepNone ShutdownStep = iota
	// StepFinalize releases the connection.
	StepFinalize
	// StepShutdownSession asks the controller to shut the session down.
	StepShutdownSession
	// StepExitMTC terminates the MTC.
	StepExitMTC
	// StepStopExecution stops the running execution.
	StepStopExecution
)

// String returns a string representation of the step.
func (s ShutdownStep) String() string {
	switch s {
	case StepNone:
		return "None"
	case StepFinalize:
		return "Finalize"
	case StepShutdownSession:
		return "ShutdownSession"
	case StepExitMTC:
		return "ExitMTC"
	case StepStopExecution:
		return "StopExecution"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// NextShutdownStep returns the step a shutdown takes from state s. A
// shutdown re-evaluates this on every status change until it reaches
// StepFinalize.
func NextShutdownStep(s mctr.State) ShutdownStep {
	switch s {
	case mctr.StateInactive:
		return StepFinalize
	case mctr.StateListening, mctr.StateListeningConfigured, mctr.StateHCConnected, mctr.StateActive:
		return StepShutdownSession
	case mctr.StateReady:
		return StepExitMTC
	case mctr.StateExecutingControl, mctr.StateExecutingTestcase, mctr.StatePaused:
		return StepStopExecution
	default:
		return StepNone
	}
}
