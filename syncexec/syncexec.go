// Package syncexec provides blocking variants of the asynchronous executor
// operations.
//
// Each blocking call opens a future before it issues its request. The
// future resolves when the controller reaches a state that can end a
// request, or reports an error:
//
//	s := syncexec.New(exec, syncexec.WithTimeout(time.Minute))
//	if err := s.Init(); err != nil {
//	    return err
//	}
//	s.StartSession(ctx)
//	s.StartHostControllers(ctx)  // returns in HCConnected
//	s.Configure(ctx)             // returns in Active
//	s.CreateMTC(ctx)             // returns in Ready
//
// Only one blocking call may be outstanding at a time.
package syncexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	mctr "github.com/smnsjas/go-mctr"
	"github.com/smnsjas/go-mctr/executor"
	"github.com/smnsjas/go-mctr/hostctl"
)

var (
	// ErrSyncInProgress is returned when a blocking call is made while
	// another one is outstanding.
	ErrSyncInProgress = errors.New("synchronous call already in progress")
	// ErrTimeout is returned when the controller does not answer within the
	// timeout. The request itself is not cancelled.
	ErrTimeout = errors.New("timed out waiting for the controller")
)

type result struct {
	state mctr.State
	err   error
}

// future is one outstanding blocking call.
type future struct {
	seq  uint64
	done chan result
}

// Sync wraps an Executor with blocking calls. It registers itself as the
// executor's observer and forwards every event to an optional user
// observer.
type Sync struct {
	exec   *executor.Executor
	logger *zap.Logger

	mu      sync.Mutex
	timeout time.Duration
	user    mctr.Observer
	seq     uint64
	pending *future
}

// Option configures a Sync.
type Option func(*Sync)

// WithTimeout bounds each blocking call. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Sync) {
		s.timeout = d
	}
}

// WithObserver sets an observer that receives every event.
func WithObserver(obs mctr.Observer) Option {
	return func(s *Sync) {
		s.user = obs
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sync) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Sync for exec.
func New(exec *executor.Executor, opts ...Option) *Sync {
	s := &Sync{
		exec:   exec,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Executor returns the wrapped executor.
func (s *Sync) Executor() *executor.Executor {
	return s.exec
}

// SetTimeout changes the timeout of later blocking calls.
func (s *Sync) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// Init opens a session and registers s as its observer.
func (s *Sync) Init() error {
	if err := s.exec.Init(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	return s.exec.SetObserver(s)
}

// AddHostController is Executor.AddHostController.
func (s *Sync) AddHostController(hc *hostctl.HostController) error {
	return s.exec.AddHostController(hc)
}

// SetConfigFileName is Executor.SetConfigFileName.
func (s *Sync) SetConfigFileName(path string) error {
	return s.exec.SetConfigFileName(path)
}

// StartSession is Executor.StartSession.
func (s *Sync) StartSession(ctx context.Context) error {
	return s.exec.StartSession(ctx)
}

// ExecuteCfgLen is Executor.ExecuteCfgLen.
func (s *Sync) ExecuteCfgLen() (int, error) {
	return s.exec.ExecuteCfgLen()
}

// StartHostControllers starts the HCs and waits until one has connected.
func (s *Sync) StartHostControllers(ctx context.Context) error {
	return s.call(ctx, "StartHostControllers", s.exec.StartHostControllers)
}

// Configure configures the HCs and waits for the result.
func (s *Sync) Configure(ctx context.Context) error {
	return s.call(ctx, "Configure", s.exec.Configure)
}

// CreateMTC creates the MTC and waits until it is ready.
func (s *Sync) CreateMTC(ctx context.Context) error {
	return s.call(ctx, "CreateMTC", s.exec.CreateMTC)
}

// ExecuteControl runs a control part and waits until it ends or pauses.
func (s *Sync) ExecuteControl(ctx context.Context, module string) error {
	return s.call(ctx, "ExecuteControl", func() error {
		return s.exec.ExecuteControl(module)
	})
}

// ExecuteTestcase runs a testcase and waits until it ends or pauses.
func (s *Sync) ExecuteTestcase(ctx context.Context, module, testcase string) error {
	return s.call(ctx, "ExecuteTestcase", func() error {
		return s.exec.ExecuteTestcase(module, testcase)
	})
}

// ExecuteCfg runs an [EXECUTE] item and waits until it ends or pauses.
func (s *Sync) ExecuteCfg(ctx context.Context, index int) error {
	return s.call(ctx, "ExecuteCfg", func() error {
		return s.exec.ExecuteCfg(index)
	})
}

// ContinueExecution resumes a paused execution and waits until it ends or
// pauses again.
func (s *Sync) ContinueExecution(ctx context.Context) error {
	return s.call(ctx, "ContinueExecution", s.exec.ContinueExecution)
}

// ExitMTC terminates the MTC and waits for the result.
func (s *Sync) ExitMTC(ctx context.Context) error {
	return s.call(ctx, "ExitMTC", s.exec.ExitMTC)
}

// ShutdownSession shuts the session down and waits until it is closed.
func (s *Sync) ShutdownSession(ctx context.Context) error {
	if !s.exec.IsConnected() {
		return nil
	}
	f, err := s.open()
	if err != nil {
		return err
	}
	defer s.cancel(f)

	s.exec.ShutdownSession()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.exec.WaitForCompletion(ctx); err != nil {
		return s.waitErr(err)
	}
	return nil
}

// call issues op with a future open and waits for it to resolve.
func (s *Sync) call(ctx context.Context, name string, op func() error) error {
	f, err := s.open()
	if err != nil {
		return err
	}
	s.logger.Debug("sync call", zap.String("op", name), zap.Uint64("seq", f.seq))

	if err := op(); err != nil {
		s.cancel(f)
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	select {
	case r := <-f.done:
		s.logger.Debug("sync call resolved", zap.String("op", name), zap.Uint64("seq", f.seq),
			zap.Stringer("state", r.state), zap.Error(r.err))
		return r.err
	case <-ctx.Done():
		s.cancel(f)
		return s.waitErr(ctx.Err())
	}
}

func (s *Sync) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	d := s.timeout
	s.mu.Unlock()
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (s *Sync) waitErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func (s *Sync) open() (*future, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return nil, fmt.Errorf("%w (call %d)", ErrSyncInProgress, s.pending.seq)
	}
	s.seq++
	f := &future{seq: s.seq, done: make(chan result, 1)}
	s.pending = f
	return f, nil
}

// cancel drops f if it is still outstanding.
func (s *Sync) cancel(f *future) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == f {
		s.pending = nil
	}
}

func (s *Sync) resolve(r result) {
	s.mu.Lock()
	f := s.pending
	s.pending = nil
	s.mu.Unlock()

	if f == nil {
		s.logger.Debug("signal without outstanding call", zap.Stringer("state", r.state), zap.Error(r.err))
		return
	}
	f.done <- r
}

func (s *Sync) observer() mctr.Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// StatusChanged resolves the outstanding call on a state that can end a
// request.
func (s *Sync) StatusChanged(state mctr.State) {
	if !state.IsIntermediate() {
		defer s.resolve(result{state: state})
	}
	if obs := s.observer(); obs != nil {
		obs.StatusChanged(state)
	}
}

// Error resolves the outstanding call with a *mctr.RemoteError.
func (s *Sync) Error(severity int, message string) {
	defer s.resolve(result{err: &mctr.RemoteError{Severity: severity, Message: message}})
	if obs := s.observer(); obs != nil {
		obs.Error(severity, message)
	}
}

func (s *Sync) Notify(t mctr.Timeval, source string, severity int, message string) {
	if obs := s.observer(); obs != nil {
		obs.Notify(t, source, severity, message)
	}
}

func (s *Sync) Verdict(testcase string, v mctr.Verdict) {
	if obs := s.observer(); obs != nil {
		obs.Verdict(testcase, v)
	}
}

func (s *Sync) VerdictStats(stats map[mctr.Verdict]int) {
	if obs := s.observer(); obs != nil {
		obs.VerdictStats(stats)
	}
}
