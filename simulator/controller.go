// Package simulator provides an in-process Main Controller.
//
// Controller follows the controller's state graph and writes the same
// status, error and notification packets to its event stream, so an
// executor can run a full session without the native bridge:
//
//	sim := simulator.New(
//	    simulator.WithControlPart("MyModule", "tc_a", "tc_b"),
//	    simulator.WithVerdict("tc_b", mctr.VerdictFail),
//	)
//	exec := executor.New(sim, executor.WithLauncher(simulator.NewLauncher(sim)))
//
// Commands change state immediately, as the controller does. The rest of a
// transition (MTC creation, testcase execution, shutdown) runs on a worker
// goroutine after the configured step delay.
package simulator

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	mctr "github.com/smnsjas/go-mctr"
	"github.com/smnsjas/go-mctr/hostctl"
	"github.com/smnsjas/go-mctr/packet"
	"github.com/smnsjas/go-mctr/pipe"
)

// Severities the controller reports with.
const (
	severityError    = 0
	severityExecutor = 12
	severityTestcase = 20
)

// DefaultListenPort is returned by StartSession when no port is requested.
const DefaultListenPort = 9034

var (
	// ErrNotListening is returned by ConnectHC when the controller does not
	// accept host controllers in its current state.
	ErrNotListening = errors.New("controller is not accepting host controllers")
	// ErrInitialized is returned by Initialize on a controller that was not
	// terminated.
	ErrInitialized = errors.New("simulator already initialized")
)

// Controller is a simulated Main Controller. It implements mctr.Controller.
type Controller struct {
	logger     *zap.Logger
	hostname   string
	sys        *host.InfoStat
	verdicts   map[string]mctr.Verdict
	controls   map[string][]string
	delay      time.Duration
	listenPort int

	pw atomic.Pointer[io.PipeWriter]

	mu            sync.Mutex
	w             *pipe.Writer
	q             *queue
	state         mctr.State
	announced     mctr.State
	maxPTCs       int
	cfg           *Config
	killTimer     float64
	groups        map[string][]string
	assigned      map[string][]string
	unixSockets   bool
	hosts         []*mctr.HostData
	mtc           *mctr.ComponentData
	stopAfter     bool
	stopRequested bool
	run           *run
	stats         map[mctr.Verdict]int
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHostname sets the node name used in log sources. It defaults to the
// local host name.
func WithHostname(name string) Option {
	return func(c *Controller) {
		c.hostname = name
	}
}

// WithVerdict scripts the verdict of a testcase. Testcases without a
// scripted verdict pass.
func WithVerdict(testcase string, v mctr.Verdict) Option {
	return func(c *Controller) {
		c.verdicts[testcase] = v
	}
}

// WithControlPart defines the testcases the control part of module runs.
func WithControlPart(module string, testcases ...string) Option {
	return func(c *Controller) {
		c.controls[module] = testcases
	}
}

// WithStepDelay delays every asynchronous step of a transition.
func WithStepDelay(d time.Duration) Option {
	return func(c *Controller) {
		c.delay = d
	}
}

// WithListenPort sets the port StartSession reports when the caller does
// not request one.
func WithListenPort(port int) Option {
	return func(c *Controller) {
		c.listenPort = port
	}
}

// New creates a Controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		logger:     zap.NewNop(),
		verdicts:   make(map[string]mctr.Verdict),
		controls:   make(map[string][]string),
		listenPort: DefaultListenPort,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sys = systemInfo(c.logger)
	if c.hostname == "" {
		c.hostname = c.sys.Hostname
	}
	return c
}

// systemInfo describes the local host. Fields gopsutil cannot fill fall back
// to the Go runtime's view.
func systemInfo(logger *zap.Logger) *host.InfoStat {
	info, err := host.Info()
	if err != nil {
		logger.Debug("host info incomplete", zap.Error(err))
	}
	if info == nil {
		info = &host.InfoStat{}
	}
	if info.Hostname == "" {
		if name, err := os.Hostname(); err == nil {
			info.Hostname = name
		} else {
			info.Hostname = "localhost"
		}
	}
	if info.OS == "" {
		info.OS = runtime.GOOS
	}
	if info.KernelArch == "" {
		info.KernelArch = runtime.GOARCH
	}
	return info
}

// Initialize resets the controller and returns its event stream.
func (c *Controller) Initialize(maxPTCs int) (io.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.q != nil {
		return nil, ErrInitialized
	}

	pr, pw := io.Pipe()
	c.pw.Store(pw)
	c.w = pipe.NewWriter(pw)
	c.q = newQueue()
	c.state = mctr.StateInactive
	c.announced = mctr.StateInactive
	c.maxPTCs = maxPTCs
	c.cfg = nil
	c.killTimer = 0
	c.groups = make(map[string][]string)
	c.assigned = make(map[string][]string)
	c.hosts = nil
	c.mtc = nil
	c.stopAfter = false
	c.stopRequested = false
	c.run = nil

	go c.work(c.q)

	c.logger.Debug("simulator initialized", zap.Int("max_ptcs", maxPTCs))
	return pr, nil
}

// Terminate stops the worker and closes the event stream.
func (c *Controller) Terminate() {
	// Closing first unblocks a worker that is writing with c.mu held.
	if pw := c.pw.Swap(nil); pw != nil {
		_ = pw.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.q == nil {
		return
	}
	close(c.q.done)
	c.q = nil
	c.w = nil
	c.state = mctr.StateInactive
	c.hosts = nil
	c.mtc = nil
	c.run = nil
	c.logger.Debug("simulator terminated")
}

// State returns the controller's own state, which may be ahead of the state
// a client has read from the event stream.
func (c *Controller) State() mctr.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) AddHost(group, hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != mctr.StateInactive {
		c.wrongState("add_host")
		return
	}
	c.groups[group] = append(c.groups[group], hostname)
}

func (c *Controller) AssignComponent(hostOrGroup, component string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != mctr.StateInactive {
		c.wrongState("assign_component")
		return
	}
	c.assigned[hostOrGroup] = append(c.assigned[hostOrGroup], component)
}

func (c *Controller) DestroyHostGroups() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != mctr.StateInactive {
		c.wrongState("destroy_host_groups")
		return
	}
	c.groups = make(map[string][]string)
	c.assigned = make(map[string][]string)
}

func (c *Controller) SetKillTimer(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case mctr.StateInactive, mctr.StateListening, mctr.StateHCConnected:
		if seconds < 0 {
			c.errorf("MainController::set_kill_timer: setting a negative kill timer value.")
			return
		}
		c.killTimer = seconds
	default:
		c.wrongState("set_kill_timer")
	}
}

// KillTimer returns the kill timer in seconds.
func (c *Controller) KillTimer() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killTimer
}

// SetConfigFile parses the configuration file at path. A parse failure is
// reported on the event stream.
func (c *Controller) SetConfigFile(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg, err := LoadConfig(path)
	if err != nil {
		c.errorf("Processing of the configuration file failed: %v", err)
		return
	}
	c.cfg = cfg
	if cfg.KillTimer > 0 {
		c.killTimer = cfg.KillTimer
	}
	c.logger.Debug("configuration file processed", zap.String("path", path),
		zap.Int("execute_items", len(cfg.Execute)))
}

func (c *Controller) MCHost() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg == nil || c.cfg.LocalAddress == "" {
		return hostctl.NullAddress
	}
	return c.cfg.LocalAddress
}

func (c *Controller) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg == nil {
		return 0
	}
	return c.cfg.TCPPort
}

// StartSession moves to Listening and returns the listening port.
func (c *Controller) StartSession(localAddress string, port int, unixSockets bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != mctr.StateInactive {
		c.wrongState("start_session")
		return 0
	}
	if port <= 0 {
		port = c.listenPort
	}
	c.unixSockets = unixSockets

	if localAddress == "" || localAddress == hostctl.NullAddress {
		c.notify("Listening on TCP port %d.", port)
	} else {
		c.notify("Listening on IP address %s and TCP port %d.", localAddress, port)
	}
	c.setState(mctr.StateListening)
	return port
}

func (c *Controller) ShutdownSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case mctr.StateInactive:
		c.statusChange()
	case mctr.StateShutdown:
	case mctr.StateListening, mctr.StateListeningConfigured, mctr.StateHCConnected, mctr.StateActive:
		c.notify("Shutting down session.")
		c.setState(mctr.StateShutdown)
		c.later(func() {
			c.hosts = nil
			c.notify("Shutdown complete.")
			c.setState(mctr.StateInactive)
		})
	default:
		c.wrongState("shutdown_session")
	}
}

// Configure downloads the configuration to the connected HCs. Before any HC
// has connected, the configuration is kept for the HCs that connect later.
func (c *Controller) Configure(config string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case mctr.StateHCConnected, mctr.StateActive:
		c.notify("Downloading configuration file to all HCs.")
		c.setState(mctr.StateConfiguring)
		c.later(c.configureHosts)
	case mctr.StateListening, mctr.StateListeningConfigured:
		c.setState(mctr.StateListeningConfigured)
	default:
		c.wrongState("configure")
		return
	}
	c.logger.Debug("configuration accepted", zap.Int("length", len(config)))
}

func (c *Controller) configureHosts() {
	for _, h := range c.hosts {
		h.State = mctr.HCActive
	}
	c.notify("Configuration file was processed on all HCs.")
	c.setState(mctr.StateActive)
}

// ConnectHC connects a simulated host controller running on hostname.
func (c *Controller) ConnectHC(hostname string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case mctr.StateListening, mctr.StateListeningConfigured, mctr.StateHCConnected, mctr.StateActive:
	default:
		return fmt.Errorf("%w: state %s", ErrNotListening, c.state)
	}

	address := hostname
	if hostctl.IsLocal(hostname) || hostname == c.hostname {
		hostname, address = c.hostname, "127.0.0.1"
	}
	allowed := append(append([]string(nil), c.assigned[hostname]...), c.assigned[address]...)
	hd := &mctr.HostData{
		Address:              address,
		Hostname:             hostname,
		HostnameLocal:        c.sys.Hostname,
		MachineType:          c.sys.KernelArch,
		SystemName:           c.sys.OS,
		SystemRelease:        c.sys.KernelVersion,
		SystemVersion:        c.sys.PlatformVersion,
		TransportsSupported:  []bool{true, true, c.unixSockets},
		LogSource:            "HC@" + hostname,
		State:                mctr.HCIdle,
		AllowedComponents:    allowed,
		AllComponentsAllowed: len(allowed) == 0,
	}
	c.hosts = append(c.hosts, hd)
	c.notify("New HC connected from %s [%s]. %s: %s %s on %s.",
		hd.Hostname, hd.Address, hd.HostnameLocal, hd.SystemName, hd.SystemRelease, hd.MachineType)

	switch c.state {
	case mctr.StateListening:
		c.setState(mctr.StateHCConnected)
	case mctr.StateListeningConfigured:
		c.notify("Downloading configuration file to all HCs.")
		c.setState(mctr.StateConfiguring)
		c.later(c.configureHosts)
	case mctr.StateActive:
		hd.State = mctr.HCActive
	}
	return nil
}

// CreateMTC starts the main test component on the host at hostIndex.
func (c *Controller) CreateMTC(hostIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != mctr.StateActive {
		c.wrongState("create_mtc")
		return
	}
	if hostIndex < 0 || hostIndex >= len(c.hosts) {
		c.errorf("MainController::create_mtc: host index (%d) is out of range.", hostIndex)
		return
	}
	h := c.hosts[hostIndex]
	if h.State != mctr.HCActive {
		c.errorf("MTC cannot be created on %s: HC is not active.", h.Hostname)
		return
	}

	c.notify("Creating MTC on host %s.", h.Hostname)
	c.mtc = &mctr.ComponentData{
		Ref:       mctr.MTCCompRef,
		Name:      "MTC",
		LogSource: "MTC@" + h.Hostname,
		Location:  h,
		State:     mctr.TCInitial,
		IsAlive:   true,
	}
	h.Components = append(h.Components, mctr.MTCCompRef)
	h.ActiveComponents++
	c.setState(mctr.StateCreatingMTC)

	c.later(func() {
		c.mtc.State = mctr.TCIdle
		c.notify("MTC is created.")
		c.setState(mctr.StateReady)
	})
}

func (c *Controller) ExitMTC() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != mctr.StateReady {
		c.wrongState("exit_mtc")
		return
	}
	c.notify("Terminating MTC.")
	c.mtc.State = mctr.TCExiting
	c.setState(mctr.StateTerminatingMTC)

	c.later(func() {
		if h := c.mtc.Location; h != nil {
			h.Components = nil
			h.ActiveComponents = 0
		}
		c.mtc = nil
		c.setState(mctr.StateActive)
	})
}

func (c *Controller) ExecuteControl(module string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != mctr.StateReady {
		c.wrongState("execute_control")
		return
	}
	c.startControl(module)
}

func (c *Controller) ExecuteTestcase(module, testcase string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != mctr.StateReady {
		c.wrongState("execute_testcase")
		return
	}
	c.startRun([]ExecuteItem{{Module: module, Testcase: testcase}})
}

func (c *Controller) ExecuteCfgLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg == nil {
		return 0
	}
	return len(c.cfg.Execute)
}

// ExecuteCfg runs the [EXECUTE] item at index: a control part or a single
// testcase.
func (c *Controller) ExecuteCfg(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != mctr.StateReady {
		c.wrongState("execute_cfg")
		return
	}
	if c.cfg == nil || index < 0 || index >= len(c.cfg.Execute) {
		c.errorf("MainController::execute_cfg: index (%d) is out of range.", index)
		return
	}
	it := c.cfg.Execute[index]
	if it.Testcase == "" {
		c.startControl(it.Module)
		return
	}
	c.startRun([]ExecuteItem{it})
}

func (c *Controller) SetStopAfterTestcase(stop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopAfter = stop
	if c.state == mctr.StatePaused && !stop {
		c.resume()
	}
}

func (c *Controller) StopAfterTestcase() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopAfter
}

func (c *Controller) ContinueTestcase() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != mctr.StatePaused {
		c.wrongState("continue_testcase")
		return
	}
	c.resume()
}

func (c *Controller) StopExecution() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopRequested {
		c.notify("Stop was already requested. Operation ignored.")
		return
	}
	switch c.state {
	case mctr.StatePaused:
		c.notify("Stopping execution.")
		c.mtc.State = mctr.MTCControlPart
		c.state = mctr.StateExecutingControl
		c.schedule()
	case mctr.StateExecutingControl, mctr.StateExecutingTestcase,
		mctr.StateTerminatingTestcase, mctr.StateReady:
		c.notify("Stopping execution.")
	default:
		c.wrongState("stop_execution")
		return
	}
	c.stopRequested = true
	c.statusChange()
}

func (c *Controller) NumHosts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hosts)
}

func (c *Controller) HostData(index int) (mctr.HostData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.hosts) {
		return mctr.HostData{}, false
	}
	return copyHost(c.hosts[index]), true
}

func (c *Controller) ComponentData(ref int) (mctr.ComponentData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mtc == nil {
		return mctr.ComponentData{}, false
	}
	switch ref {
	case mctr.MTCCompRef:
		cd := *c.mtc
		if c.mtc.Location != nil {
			h := copyHost(c.mtc.Location)
			cd.Location = &h
		}
		return cd, true
	case mctr.SystemCompRef:
		return mctr.ComponentData{
			Ref:   mctr.SystemCompRef,
			Name:  "SYSTEM",
			State: mctr.TCSystem,
		}, true
	default:
		return mctr.ComponentData{}, false
	}
}

// ReleaseData is a no-op: data queries return copies.
func (c *Controller) ReleaseData() {}

func copyHost(h *mctr.HostData) mctr.HostData {
	hd := *h
	hd.TransportsSupported = append([]bool(nil), h.TransportsSupported...)
	hd.Components = append([]int(nil), h.Components...)
	hd.AllowedComponents = append([]string(nil), h.AllowedComponents...)
	return hd
}

// setState moves to s and reports it. Caller must hold c.mu.
func (c *Controller) setState(s mctr.State) {
	c.state = s
	c.statusChange()
}

// statusChange writes a status packet unless the last one written already
// carries the current state.
func (c *Controller) statusChange() {
	if c.state == c.announced {
		return
	}
	c.announced = c.state
	c.write(packet.StatusChange{State: c.state})
}

func (c *Controller) notify(format string, args ...any) {
	c.notifyFrom("MC@"+c.hostname, severityExecutor, fmt.Sprintf(format, args...))
}

func (c *Controller) notifyFrom(source string, severity int, message string) {
	c.write(packet.Notification{
		Time:     mctr.Now(),
		Source:   source,
		Severity: severity,
		Message:  message,
	})
}

func (c *Controller) errorf(format string, args ...any) {
	c.write(packet.Error{Severity: severityError, Message: fmt.Sprintf(format, args...)})
}

func (c *Controller) wrongState(fn string) {
	c.logger.Debug("command rejected", zap.String("command", fn), zap.Stringer("state", c.state))
	c.errorf("MainController::%s: called in wrong state.", fn)
}

func (c *Controller) write(ev packet.Event) {
	if c.w == nil {
		return
	}
	if err := c.w.Write(ev); err != nil {
		c.logger.Debug("event stream write failed", zap.Stringer("method", ev.Method()), zap.Error(err))
	}
}
