package executor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mctr "github.com/smnsjas/go-mctr"
	"github.com/smnsjas/go-mctr/hostctl"
	"github.com/smnsjas/go-mctr/packet"
	"github.com/smnsjas/go-mctr/pipe"
)

// fakeController records bridge calls and plays scripted packets back on
// the event stream.
type fakeController struct {
	mu    sync.Mutex
	calls []string

	w *pipe.Writer

	initErr    error
	startPort  int
	mcHost     string
	port       int
	cfgLen     int
	hosts      []mctr.HostData
	stopAfter  bool
	configured []string
	startArgs  string
	maxPTCs    int

	// react maps a call name to the packets written after it.
	react map[string][]packet.Event
}

// newFakeController returns a fake that walks the MC's shutdown
// transitions: stop execution, exit the MTC, shut the session down.
func newFakeController() *fakeController {
	return &fakeController{
		startPort: 9034,
		react: map[string][]packet.Event{
			"ShutdownSession": statuses(mctr.StateShutdown, mctr.StateInactive),
			"ExitMTC":         statuses(mctr.StateTerminatingMTC, mctr.StateActive),
			"StopExecution":   statuses(mctr.StateTerminatingTestcase, mctr.StateReady),
		},
	}
}

func statuses(states ...mctr.State) []packet.Event {
	evs := make([]packet.Event, len(states))
	for i, s := range states {
		evs[i] = packet.StatusChange{State: s}
	}
	return evs
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	evs := f.react[call]
	w := f.w
	f.mu.Unlock()

	for _, ev := range evs {
		_ = w.Write(ev)
	}
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Send writes events on the stream as the controller would.
func (f *fakeController) Send(t *testing.T, evs ...packet.Event) {
	t.Helper()
	f.mu.Lock()
	w := f.w
	f.mu.Unlock()
	for _, ev := range evs {
		require.NoError(t, w.Write(ev))
	}
}

func (f *fakeController) SendRaw(t *testing.T, raw string) {
	t.Helper()
	f.mu.Lock()
	w := f.w
	f.mu.Unlock()
	require.NoError(t, w.WriteRaw(raw))
}

func (f *fakeController) Initialize(maxPTCs int) (io.Reader, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	pr, pw := io.Pipe()
	f.mu.Lock()
	f.w = pipe.NewWriter(pw)
	f.maxPTCs = maxPTCs
	f.mu.Unlock()
	f.record("Initialize")
	return pr, nil
}

func (f *fakeController) Terminate() {
	f.record("Terminate")
	f.mu.Lock()
	w := f.w
	f.mu.Unlock()
	_ = w.Close()
}

func (f *fakeController) AddHost(group, host string) { f.record("AddHost") }
func (f *fakeController) AssignComponent(hostOrGroup, component string) {
	f.record("AssignComponent")
}
func (f *fakeController) DestroyHostGroups() { f.record("DestroyHostGroups") }
func (f *fakeController) SetKillTimer(seconds float64) { f.record("SetKillTimer") }
func (f *fakeController) SetConfigFile(path string) { f.record("SetConfigFile") }
func (f *fakeController) MCHost() string { return f.mcHost }
func (f *fakeController) Port() int { return f.port }

func (f *fakeController) StartSession(localAddress string, port int, unixSockets bool) int {
	f.mu.Lock()
	f.startArgs = fmt.Sprintf("%s %d %t", localAddress, port, unixSockets)
	f.mu.Unlock()
	f.record("StartSession")
	return f.startPort
}

func (f *fakeController) ShutdownSession() { f.record("ShutdownSession") }

func (f *fakeController) Configure(config string) {
	f.mu.Lock()
	f.configured = append(f.configured, config)
	f.mu.Unlock()
	f.record("Configure")
}

func (f *fakeController) CreateMTC(hostIndex int) { f.record("CreateMTC") }
func (f *fakeController) ExitMTC() { f.record("ExitMTC") }
func (f *fakeController) ExecuteControl(module string) {
	f.record("ExecuteControl")
}
func (f *fakeController) ExecuteTestcase(module, testcase string) {
	f.record("ExecuteTestcase")
}
func (f *fakeController) ExecuteCfgLen() int { return f.cfgLen }
func (f *fakeController) ExecuteCfg(index int) { f.record("ExecuteCfg") }

func (f *fakeController) SetStopAfterTestcase(stop bool) {
	f.mu.Lock()
	f.stopAfter = stop
	f.mu.Unlock()
}

func (f *fakeController) StopAfterTestcase() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopAfter
}

func (f *fakeController) ContinueTestcase() { f.record("ContinueTestcase") }
func (f *fakeController) StopExecution() { f.record("StopExecution") }
func (f *fakeController) NumHosts() int { return len(f.hosts) }

func (f *fakeController) HostData(index int) (mctr.HostData, bool) {
	if index < 0 || index >= len(f.hosts) {
		return mctr.HostData{}, false
	}
	return f.hosts[index], true
}

func (f *fakeController) ComponentData(ref int) (mctr.ComponentData, bool) {
	if ref != mctr.MTCCompRef {
		return mctr.ComponentData{}, false
	}
	return mctr.ComponentData{Ref: ref, Name: "mtc", State: mctr.MTCTestcase}, true
}

func (f *fakeController) ReleaseData() { f.record("ReleaseData") }

// recordingObserver records observer callbacks.
type recordingObserver struct {
	mu       sync.Mutex
	statuses []mctr.State
	errors   []string
	notes    []string
	verdicts map[string]mctr.Verdict
	stats    []map[mctr.Verdict]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{verdicts: map[string]mctr.Verdict{}}
}

func (o *recordingObserver) StatusChanged(s mctr.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, s)
}

func (o *recordingObserver) Error(severity int, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, fmt.Sprintf("%d:%s", severity, message))
}

func (o *recordingObserver) Notify(_ mctr.Timeval, source string, severity int, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notes = append(o.notes, fmt.Sprintf("%s:%d:%s", source, severity, message))
}

func (o *recordingObserver) Verdict(testcase string, v mctr.Verdict) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verdicts[testcase] = v
}

func (o *recordingObserver) VerdictStats(stats map[mctr.Verdict]int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats = append(o.stats, stats)
}

func (o *recordingObserver) Statuses() []mctr.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]mctr.State(nil), o.statuses...)
}

func (o *recordingObserver) Errors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.errors...)
}

func (o *recordingObserver) Notes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.notes...)
}

// fakeLauncher records launched commands and keeps their sinks.
type fakeLauncher struct {
	mu       sync.Mutex
	commands []string
	sinks    []hostctl.Sink
}

func (l *fakeLauncher) Launch(_ context.Context, command string, sink hostctl.Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands = append(l.commands, command)
	l.sinks = append(l.sinks, sink)
}

func (l *fakeLauncher) Commands() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.commands...)
}

func (l *fakeLauncher) Sink(i int) hostctl.Sink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sinks[i]
}

// waitingLauncher is a fakeLauncher that reports when it is waited on.
type waitingLauncher struct {
	fakeLauncher
	waited chan struct{}
}

func (l *waitingLauncher) Wait() error {
	close(l.waited)
	return nil
}

const waitFor = 2 * time.Second

// newSession returns an initialized executor with a recording observer.
func newSession(t *testing.T, ctrl *fakeController, opts ...Option) (*Executor, *recordingObserver) {
	t.Helper()
	exec := New(ctrl, opts...)
	require.NoError(t, exec.Init())
	obs := newRecordingObserver()
	require.NoError(t, exec.SetObserver(obs))
	t.Cleanup(func() {
		exec.ShutdownSession()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = exec.WaitForCompletion(ctx)
	})
	return exec, obs
}

// moveTo sends a status packet and waits until the executor has applied it.
func moveTo(t *testing.T, exec *Executor, ctrl *fakeController, s mctr.State) {
	t.Helper()
	ctrl.Send(t, packet.StatusChange{State: s})
	require.Eventually(t, func() bool { return exec.State() == s },
		waitFor, 5*time.Millisecond, "state %s not reached", s)
}
