// Package executor is the asynchronous client facade of a Main Controller
// session.
//
// An Executor checks every request against the session state before it
// reaches the controller, forwards accepted requests, and delivers the
// controller's asynchronous responses to an mctr.Observer. A typical
// session:
//
//	exec := executor.New(ctrl, executor.WithLogger(logger))
//	if err := exec.Init(); err != nil {
//	    return err
//	}
//	exec.SetObserver(obs)
//	exec.AddHostController(hc)
//	exec.StartSession(ctx)
//	exec.StartHostControllers()   // -> HCConnected
//	exec.Configure()              // -> Active
//	exec.CreateMTC()              // -> Ready
//	exec.ExecuteControl("MyTests")
//	...
//	exec.ShutdownSession()
//	exec.WaitForCompletion(ctx)
//
// Requests return once the controller has accepted them. Their outcome is
// reported to the observer as status changes, errors and notifications.
// Package syncexec wraps an Executor with blocking variants.
//
// # Observer Contract
//
// Observer methods run on the dispatch goroutine with the session lock
// held. They must not call Executor methods synchronously. A panicking
// observer is recovered and logged.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mctr "github.com/smnsjas/go-mctr"
	"github.com/smnsjas/go-mctr/dispatch"
	"github.com/smnsjas/go-mctr/hostctl"
	"github.com/smnsjas/go-mctr/pipe"
	"github.com/smnsjas/go-mctr/session"
)

const (
	// DefaultMaxPTCs is the default limit on parallel test components.
	DefaultMaxPTCs = 1500
	// DefaultStartTimeout bounds the wait for the session to start listening.
	DefaultStartTimeout = 10 * time.Second
)

// DefaultConfig is sent to the HCs by Configure when no configuration file
// was set.
const DefaultConfig = "//This part was added by the TITAN Executor API.\n" +
	"[LOGGING]\n" +
	"LogFile := \"./../log//%e.%h-part%i-%r.%s\"\n"

// Executor is the client of one controller session at a time. It can be
// reused for a new session after the previous one is shut down.
type Executor struct {
	ctrl         mctr.Controller
	logger       *zap.Logger
	launcher     hostctl.Launcher
	maxPTCs      int
	unixSockets  bool
	startTimeout time.Duration

	// machine is the session lock; the fields below are protected by it.
	machine *session.Machine

	log          *zap.Logger
	observer     mctr.Observer
	hosts        []*hostctl.HostController
	mcHost       string
	mcPort       int
	sessionID    uuid.UUID
	reader       *pipe.Reader
	loop         *dispatch.Loop
	completion   chan struct{}
	launchCtx    context.Context
	launchCancel context.CancelFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. Session log lines carry a session_id field.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithLauncher sets the launcher used by StartHostControllers. The default
// runs each HC command with the local shell.
func WithLauncher(l hostctl.Launcher) Option {
	return func(e *Executor) {
		if l != nil {
			e.launcher = l
		}
	}
}

// WithMaxPTCs sets the limit on parallel test components.
func WithMaxPTCs(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxPTCs = n
		}
	}
}

// WithUnixSockets lets the controller use UNIX domain sockets for local
// HC connections.
func WithUnixSockets(enabled bool) Option {
	return func(e *Executor) {
		e.unixSockets = enabled
	}
}

// WithStartTimeout bounds the wait in StartSession.
func WithStartTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.startTimeout = d
		}
	}
}

// New creates an Executor for ctrl. Call Init to open a session.
func New(ctrl mctr.Controller, opts ...Option) *Executor {
	e := &Executor{
		ctrl:         ctrl,
		logger:       zap.NewNop(),
		maxPTCs:      DefaultMaxPTCs,
		unixSockets:  true,
		startTimeout: DefaultStartTimeout,
		machine:      session.New(),
		mcHost:       hostctl.NullAddress,
		mcPort:       -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.launcher == nil {
		e.launcher = hostctl.NewShellLauncher(hostctl.WithLogger(e.logger))
	}
	e.log = e.logger
	return e
}

// Init initializes the controller and opens a new session.
func (e *Executor) Init() error {
	e.machine.Lock()
	defer e.machine.Unlock()

	if err := e.machine.CheckConnection(false); err != nil {
		return err
	}

	events, err := e.ctrl.Initialize(e.maxPTCs)
	if err != nil {
		return fmt.Errorf("%w: %v", mctr.ErrBridgeLoad, err)
	}

	e.observer = nil
	e.hosts = nil
	e.mcHost = hostctl.NullAddress
	e.mcPort = -1
	e.sessionID = uuid.New()
	e.log = e.logger.With(zap.String("session_id", e.sessionID.String()))
	e.completion = make(chan struct{})

	e.launchCtx, e.launchCancel = context.WithCancel(context.Background())

	e.reader = pipe.NewReader(events, pipe.WithLogger(e.log))
	e.loop = dispatch.New(e.reader, e.machine, &handler{e: e}, dispatch.WithLogger(e.log))
	e.machine.Connect()
	e.loop.Start()
	go e.watch(e.loop, e.sessionID)

	e.log.Info("session initialized", zap.Int("max_ptcs", e.maxPTCs))
	return nil
}

// SetObserver sets the observer for the current session. Init clears it.
func (e *Executor) SetObserver(obs mctr.Observer) error {
	e.machine.Lock()
	defer e.machine.Unlock()

	if err := e.machine.CheckConnection(true); err != nil {
		return err
	}
	e.observer = obs
	return nil
}

// State returns the cached controller state. It never queries the
// controller.
func (e *Executor) State() mctr.State {
	e.machine.Lock()
	defer e.machine.Unlock()
	return e.machine.State()
}

// IsConnected reports whether a session is open.
func (e *Executor) IsConnected() bool {
	e.machine.Lock()
	defer e.machine.Unlock()
	return e.machine.Connected()
}

// SessionID returns the identifier of the current or last session.
func (e *Executor) SessionID() uuid.UUID {
	e.machine.Lock()
	defer e.machine.Unlock()
	return e.sessionID
}

// ShutdownSession starts shutting the session down from whatever state it
// is in. The shutdown proceeds asynchronously through the states needed to
// reach Inactive, then the controller is terminated and the session closed.
// It does nothing if no session is open or a shutdown is already running.
func (e *Executor) ShutdownSession() {
	e.machine.Lock()
	defer e.machine.Unlock()

	if !e.machine.Connected() || e.machine.Flags().ShutdownRequested {
		return
	}
	e.machine.Flags().ShutdownRequested = true
	e.log.Info("shutdown requested", zap.Stringer("state", e.machine.State()))
	e.continueShutdown(e.machine.State())
}

// WaitForCompletion blocks until the current session is closed or ctx is
// done. It returns immediately if no session is open.
func (e *Executor) WaitForCompletion(ctx context.Context) error {
	e.machine.Lock()
	if !e.machine.Connected() {
		e.machine.Unlock()
		return nil
	}
	done := e.completion
	e.machine.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// continueShutdown takes the shutdown step for state. Caller must hold the
// session lock.
func (e *Executor) continueShutdown(state mctr.State) {
	step := session.NextShutdownStep(state)
	e.log.Debug("shutdown step", zap.Stringer("state", state), zap.Stringer("step", step))

	switch step {
	case session.StepFinalize:
		e.finalize()
	case session.StepShutdownSession:
		e.ctrl.ShutdownSession()
	case session.StepExitMTC:
		e.ctrl.ExitMTC()
	case session.StepStopExecution:
		e.ctrl.StopExecution()
	}
}

// finalize terminates the controller and closes the session. It runs at
// most once per session. Caller must hold the session lock.
func (e *Executor) finalize() {
	if !e.machine.Connected() {
		return
	}

	e.machine.Flags().ShutdownRequested = false
	e.loop.Inactivate()
	e.ctrl.Terminate()
	if err := e.reader.Close(); err != nil {
		e.log.Debug("close event stream", zap.Error(err))
	}
	e.launchCancel()
	if w, ok := e.launcher.(hostctl.Waiter); ok {
		go reap(w, e.log)
	}
	e.hosts = nil
	e.machine.Disconnect()
	close(e.completion)

	e.log.Info("session closed")
}

// reap waits for the HC commands of a closed session. It runs without the
// session lock, which late HC output still takes.
func reap(w hostctl.Waiter, log *zap.Logger) {
	if err := w.Wait(); err != nil {
		log.Debug("host controller commands ended", zap.Error(err))
	}
}

// watch closes the session if its event stream fails while it is still
// open.
func (e *Executor) watch(loop *dispatch.Loop, id uuid.UUID) {
	<-loop.Done()
	err := loop.Err()
	if err == nil {
		return
	}

	e.machine.Lock()
	defer e.machine.Unlock()

	if !e.current(id) {
		return
	}
	e.log.Error("event stream failed", zap.Error(err))
	e.emitError(0, "event stream failed: "+err.Error())
	e.finalize()
}

// current reports whether id is the open session. Caller must hold the
// session lock.
func (e *Executor) current(id uuid.UUID) bool {
	return e.machine.Connected() && e.sessionID == id
}
