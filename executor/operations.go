package executor

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mctr "github.com/smnsjas/go-mctr"
	"github.com/smnsjas/go-mctr/hostctl"
	"github.com/smnsjas/go-mctr/session"
)

// checked runs fn with the session lock held if op is permitted in the
// current state.
func (e *Executor) checked(op session.Operation, fn func() error) error {
	e.machine.Lock()
	defer e.machine.Unlock()

	if err := e.machine.Check(op); err != nil {
		e.log.Debug("operation rejected", zap.Stringer("op", op), zap.Error(err))
		return err
	}
	return fn()
}

func illegal(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{mctr.ErrIllegalArgument}, args...)...)
}

// AddHostController registers an HC to be started by StartHostControllers.
func (e *Executor) AddHostController(hc *hostctl.HostController) error {
	return e.checked(session.OpAddHostController, func() error {
		if hc == nil {
			return illegal("host controller is nil")
		}
		e.hosts = append(e.hosts, hc)
		e.log.Debug("host controller added", zap.Stringer("hc", hc))
		return nil
	})
}

// SetConfigFileName hands a configuration file to the controller. The
// file's [MAIN_CONTROLLER] settings are used by StartSession and its
// contents by Configure.
func (e *Executor) SetConfigFileName(path string) error {
	return e.checked(session.OpSetConfigFile, func() error {
		if path == "" {
			return illegal("configuration file name is empty")
		}
		fi, err := os.Stat(path)
		if err != nil || !fi.Mode().IsRegular() {
			return illegal("configuration file %q does not exist", path)
		}
		e.ctrl.SetConfigFile(path)
		e.machine.Flags().ConfigPreprocessed = true
		return nil
	})
}

// AddHostGroup adds host to the named host group.
func (e *Executor) AddHostGroup(group, host string) error {
	return e.checked(session.OpAddHostGroup, func() error {
		if group == "" {
			return illegal("host group name is empty")
		}
		e.ctrl.AddHost(group, host)
		return nil
	})
}

// AssignComponent assigns a component type to a host or host group.
func (e *Executor) AssignComponent(hostOrGroup, component string) error {
	return e.checked(session.OpAssignComponent, func() error {
		if hostOrGroup == "" {
			return illegal("host or group name is empty")
		}
		if component == "" {
			return illegal("component name is empty")
		}
		e.ctrl.AssignComponent(hostOrGroup, component)
		return nil
	})
}

// DestroyHostGroups removes all host groups and component assignments.
func (e *Executor) DestroyHostGroups() error {
	return e.checked(session.OpDestroyHostGroups, func() error {
		e.ctrl.DestroyHostGroups()
		return nil
	})
}

// SetKillTimer sets how long the controller waits for a component to stop
// before killing it.
func (e *Executor) SetKillTimer(seconds float64) error {
	return e.checked(session.OpSetKillTimer, func() error {
		if seconds < 0 {
			return illegal("kill timer %v is negative", seconds)
		}
		e.ctrl.SetKillTimer(seconds)
		return nil
	})
}

// StartSession makes the controller listen for HCs, then waits until the
// cached state leaves Inactive. The wait is bounded by ctx and the start
// timeout.
func (e *Executor) StartSession(ctx context.Context) error {
	e.machine.Lock()
	locked := true
	defer func() {
		if locked {
			e.machine.Unlock()
		}
	}()

	if err := e.machine.Check(session.OpStartSession); err != nil {
		return err
	}

	addr, port := hostctl.NullAddress, 0
	if e.machine.Flags().ConfigPreprocessed {
		addr, port = e.ctrl.MCHost(), e.ctrl.Port()
	}
	e.mcHost = addr

	got := e.ctrl.StartSession(addr, port, e.unixSockets)
	if got <= 0 {
		return &mctr.StartSessionError{Code: got}
	}
	e.mcPort = got
	e.log.Info("session started", zap.String("mc_host", addr), zap.Int("mc_port", got))

	ctx, cancel := context.WithTimeout(ctx, e.startTimeout)
	defer cancel()

	for e.machine.Connected() && e.machine.State() == mctr.StateInactive {
		changed := e.machine.Changed()
		e.machine.Unlock()
		locked = false

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for listening state: %w", mctr.ErrStartSession, ctx.Err())
		}

		e.machine.Lock()
		locked = true
	}

	return e.machine.CheckConnection(true)
}

// MCPort returns the port the controller listens on, or -1 before
// StartSession.
func (e *Executor) MCPort() int {
	e.machine.Lock()
	defer e.machine.Unlock()
	return e.mcPort
}

// StartHostControllers launches every registered HC. HC output is
// delivered to the observer as notifications and launch failures as errors.
func (e *Executor) StartHostControllers() error {
	return e.checked(session.OpStartHostControllers, func() error {
		for _, hc := range e.hosts {
			cmd := hc.Command(e.mcHost, e.mcPort)
			e.log.Info("starting host controller", zap.String("command", cmd))
			e.launcher.Launch(e.launchCtx, cmd, &hostSink{e: e, id: e.sessionID})
		}
		return nil
	})
}

// Configure sends the configuration to the HCs: the file from
// SetConfigFileName if one was set, DefaultConfig otherwise.
func (e *Executor) Configure() error {
	return e.checked(session.OpConfigure, func() error {
		cfg := DefaultConfig
		if e.machine.Flags().ConfigPreprocessed {
			cfg = ""
		}
		e.ctrl.Configure(cfg)
		return nil
	})
}

// CreateMTC creates the main test component on the first host.
func (e *Executor) CreateMTC() error {
	return e.checked(session.OpCreateMTC, func() error {
		e.ctrl.CreateMTC(0)
		return nil
	})
}

// ExecuteControl runs the control part of module.
func (e *Executor) ExecuteControl(module string) error {
	return e.checked(session.OpExecuteControl, func() error {
		if module == "" {
			return illegal("test control name is empty")
		}
		e.ctrl.ExecuteControl(module)
		return nil
	})
}

// ExecuteTestcase runs one testcase of module.
func (e *Executor) ExecuteTestcase(module, testcase string) error {
	return e.checked(session.OpExecuteTestcase, func() error {
		if module == "" {
			return illegal("test control name is empty")
		}
		if testcase == "" {
			return illegal("test case name is empty")
		}
		e.ctrl.ExecuteTestcase(module, testcase)
		return nil
	})
}

// ExecuteCfgLen returns the number of items in the [EXECUTE] section of
// the configuration file.
func (e *Executor) ExecuteCfgLen() (int, error) {
	var n int
	err := e.checked(session.OpExecuteCfgLen, func() error {
		n = e.ctrl.ExecuteCfgLen()
		return nil
	})
	return n, err
}

// ExecuteCfg runs the [EXECUTE] item at index.
func (e *Executor) ExecuteCfg(index int) error {
	return e.checked(session.OpExecuteCfg, func() error {
		if n := e.ctrl.ExecuteCfgLen(); index < 0 || index >= n {
			return illegal("index %d out of range [0,%d)", index, n)
		}
		e.ctrl.ExecuteCfg(index)
		return nil
	})
}

// PauseExecution sets whether execution pauses after each testcase. It
// may be called in any state of an open session.
func (e *Executor) PauseExecution(pause bool) error {
	e.machine.Lock()
	defer e.machine.Unlock()

	if err := e.machine.CheckConnection(true); err != nil {
		return err
	}
	e.ctrl.SetStopAfterTestcase(pause)
	return nil
}

// IsPaused reports whether execution pauses after each testcase.
func (e *Executor) IsPaused() (bool, error) {
	e.machine.Lock()
	defer e.machine.Unlock()

	if err := e.machine.CheckConnection(true); err != nil {
		return false, err
	}
	return e.ctrl.StopAfterTestcase(), nil
}

// ContinueExecution resumes a paused execution.
func (e *Executor) ContinueExecution() error {
	return e.checked(session.OpContinueExecution, func() error {
		e.ctrl.ContinueTestcase()
		return nil
	})
}

// StopExecution stops the running execution. It does nothing in Ready.
func (e *Executor) StopExecution() error {
	return e.checked(session.OpStopExecution, func() error {
		if e.machine.State() == mctr.StateReady {
			return nil
		}
		e.ctrl.StopExecution()
		return nil
	})
}

// ExitMTC terminates the main test component.
func (e *Executor) ExitMTC() error {
	return e.checked(session.OpExitMTC, func() error {
		e.ctrl.ExitMTC()
		return nil
	})
}

// NumberOfHosts returns the number of connected hosts.
func (e *Executor) NumberOfHosts() (int, error) {
	var n int
	err := e.checked(session.OpHostData, func() error {
		defer e.ctrl.ReleaseData()
		n = e.ctrl.NumHosts()
		return nil
	})
	return n, err
}

// HostData returns a snapshot of the host at index.
func (e *Executor) HostData(index int) (mctr.HostData, error) {
	var hd mctr.HostData
	err := e.checked(session.OpHostData, func() error {
		defer e.ctrl.ReleaseData()
		var ok bool
		if hd, ok = e.ctrl.HostData(index); !ok {
			return illegal("no host at index %d", index)
		}
		return nil
	})
	return hd, err
}

// ComponentData returns a snapshot of the component with reference ref.
func (e *Executor) ComponentData(ref int) (mctr.ComponentData, error) {
	var cd mctr.ComponentData
	err := e.checked(session.OpComponentData, func() error {
		defer e.ctrl.ReleaseData()
		var ok bool
		if cd, ok = e.ctrl.ComponentData(ref); !ok {
			return illegal("no component with reference %d", ref)
		}
		return nil
	})
	return cd, err
}

// hostSink delivers HC command output to the session it was launched in.
type hostSink struct {
	e  *Executor
	id uuid.UUID
}

func (s *hostSink) Output(line string) {
	s.e.machine.Lock()
	defer s.e.machine.Unlock()

	if !s.e.current(s.id) {
		return
	}
	s.e.notify(mctr.Now(), s.e.mcHost, 0, line)
}

func (s *hostSink) Failed(message string) {
	s.e.machine.Lock()
	defer s.e.machine.Unlock()

	if !s.e.current(s.id) {
		return
	}
	s.e.emitError(0, message)
}
