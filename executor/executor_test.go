package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	mctr "github.com/smnsjas/go-mctr"
	"github.com/smnsjas/go-mctr/hostctl"
	"github.com/smnsjas/go-mctr/packet"
)

func TestInit(t *testing.T) {
	ctrl := newFakeController()
	exec, _ := newSession(t, ctrl, WithMaxPTCs(42))

	assert.True(t, exec.IsConnected())
	assert.Equal(t, mctr.StateInactive, exec.State())
	assert.NotEqual(t, [16]byte{}, [16]byte(exec.SessionID()))
	assert.Equal(t, 42, ctrl.maxPTCs)
	assert.Equal(t, -1, exec.MCPort())

	assert.ErrorIs(t, exec.Init(), mctr.ErrAlreadyConnected)
}

func TestInitBridgeFailure(t *testing.T) {
	ctrl := newFakeController()
	ctrl.initErr = errors.New("library not found")
	exec := New(ctrl)

	err := exec.Init()
	assert.ErrorIs(t, err, mctr.ErrBridgeLoad)
	assert.Contains(t, err.Error(), "library not found")
	assert.False(t, exec.IsConnected())
}

func TestNotConnected(t *testing.T) {
	ctrl := newFakeController()
	exec := New(ctrl)

	assert.ErrorIs(t, exec.SetObserver(mctr.NopObserver{}), mctr.ErrNotConnected)
	assert.ErrorIs(t, exec.CreateMTC(), mctr.ErrNotConnected)
	assert.ErrorIs(t, exec.StartSession(context.Background()), mctr.ErrNotConnected)
	assert.ErrorIs(t, exec.PauseExecution(true), mctr.ErrNotConnected)
	_, err := exec.IsPaused()
	assert.ErrorIs(t, err, mctr.ErrNotConnected)

	exec.ShutdownSession()
	assert.NoError(t, exec.WaitForCompletion(context.Background()))
	assert.Empty(t, ctrl.Calls())
}

func TestWrongStateMakesNoBridgeCall(t *testing.T) {
	ctrl := newFakeController()
	exec, _ := newSession(t, ctrl)

	ops := map[string]func() error{
		"StartHostControllers": exec.StartHostControllers,
		"Configure":            exec.Configure,
		"CreateMTC":            exec.CreateMTC,
		"ExecuteControl":       func() error { return exec.ExecuteControl("M") },
		"ExecuteTestcase":      func() error { return exec.ExecuteTestcase("M", "T") },
		"ExecuteCfg":           func() error { return exec.ExecuteCfg(0) },
		"ContinueExecution":    exec.ContinueExecution,
		"StopExecution":        exec.StopExecution,
		"ExitMTC":              exec.ExitMTC,
		"ExecuteCfgLen": func() error {
			_, err := exec.ExecuteCfgLen()
			return err
		},
		"HostData": func() error {
			_, err := exec.HostData(0)
			return err
		},
		"ComponentData": func() error {
			_, err := exec.ComponentData(mctr.MTCCompRef)
			return err
		},
	}

	for name, op := range ops {
		err := op()
		assert.ErrorIs(t, err, mctr.ErrWrongState, name)

		var wse *mctr.WrongStateError
		if assert.True(t, errors.As(err, &wse), name) {
			assert.Equal(t, mctr.StateInactive, wse.Actual)
		}
	}

	assert.Equal(t, []string{"Initialize"}, ctrl.Calls())
}

func TestWrongStateMessage(t *testing.T) {
	ctrl := newFakeController()
	exec, _ := newSession(t, ctrl)
	moveTo(t, exec, ctrl, mctr.StateReady)

	err := exec.SetKillTimer(1)
	assert.EqualError(t, err,
		"method cannot be called in this state: current state Ready, expected state(s): Inactive, Listening, HCConnected")
}

func TestIllegalArguments(t *testing.T) {
	ctrl := newFakeController()
	ctrl.cfgLen = 2
	exec, _ := newSession(t, ctrl)

	inactive := map[string]error{
		"nil hc":         exec.AddHostController(nil),
		"empty cfg":      exec.SetConfigFileName(""),
		"missing cfg":    exec.SetConfigFileName(filepath.Join(t.TempDir(), "missing.cfg")),
		"cfg is dir":     exec.SetConfigFileName(t.TempDir()),
		"negative timer": exec.SetKillTimer(-0.5),
		"empty group":    exec.AddHostGroup("", "lab1"),
		"empty assignee": exec.AssignComponent("", "PTC"),
		"empty comp":     exec.AssignComponent("group1", ""),
	}
	for name, err := range inactive {
		assert.ErrorIs(t, err, mctr.ErrIllegalArgument, name)
	}

	moveTo(t, exec, ctrl, mctr.StateReady)
	ready := map[string]error{
		"empty module":   exec.ExecuteControl(""),
		"empty tc":       exec.ExecuteTestcase("M", ""),
		"empty tc mod":   exec.ExecuteTestcase("", "T"),
		"index too big":  exec.ExecuteCfg(2),
		"negative index": exec.ExecuteCfg(-1),
	}
	for name, err := range ready {
		assert.ErrorIs(t, err, mctr.ErrIllegalArgument, name)
	}

	assert.Equal(t, []string{"Initialize"}, ctrl.Calls())
}

func TestHostGroupsAndKillTimer(t *testing.T) {
	ctrl := newFakeController()
	exec, _ := newSession(t, ctrl)

	require.NoError(t, exec.AddHostGroup("group1", "lab1"))
	require.NoError(t, exec.AssignComponent("group1", "PTC_A"))
	require.NoError(t, exec.SetKillTimer(5))
	require.NoError(t, exec.DestroyHostGroups())

	assert.Equal(t, []string{"Initialize", "AddHost", "AssignComponent", "SetKillTimer", "DestroyHostGroups"},
		ctrl.Calls())
}

func TestStartSession(t *testing.T) {
	ctrl := newFakeController()
	ctrl.react["StartSession"] = statuses(mctr.StateListening)
	exec, obs := newSession(t, ctrl)

	require.NoError(t, exec.StartSession(context.Background()))
	assert.Equal(t, mctr.StateListening, exec.State())
	assert.Equal(t, "NULL 0 true", ctrl.startArgs)
	assert.Equal(t, 9034, exec.MCPort())
	assert.Equal(t, []mctr.State{mctr.StateListening}, obs.Statuses())
}

func TestStartSessionWithConfigFile(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "run.cfg")
	require.NoError(t, os.WriteFile(cfg, []byte("[MAIN_CONTROLLER]\n"), 0o644))

	ctrl := newFakeController()
	ctrl.mcHost = "10.0.0.1"
	ctrl.port = 7000
	ctrl.react["StartSession"] = statuses(mctr.StateListening)
	exec, _ := newSession(t, ctrl, WithUnixSockets(false))

	require.NoError(t, exec.SetConfigFileName(cfg))
	require.NoError(t, exec.StartSession(context.Background()))
	assert.Equal(t, "10.0.0.1 7000 false", ctrl.startArgs)

	require.NoError(t, exec.Configure())
	assert.Equal(t, []string{""}, ctrl.configured)
}

func TestConfigureDefault(t *testing.T) {
	ctrl := newFakeController()
	exec, _ := newSession(t, ctrl)
	moveTo(t, exec, ctrl, mctr.StateHCConnected)

	require.NoError(t, exec.Configure())
	assert.Equal(t, []string{DefaultConfig}, ctrl.configured)
	assert.True(t, strings.HasPrefix(DefaultConfig, "//This part was added by the TITAN Executor API."))
}

func TestStartSessionFailure(t *testing.T) {
	ctrl := newFakeController()
	ctrl.startPort = -1
	exec, _ := newSession(t, ctrl)

	err := exec.StartSession(context.Background())
	assert.ErrorIs(t, err, mctr.ErrStartSession)
	assert.EqualError(t, err, "start session failed, error code: -1")

	var sse *mctr.StartSessionError
	require.True(t, errors.As(err, &sse))
	assert.Equal(t, -1, sse.Code)
}

func TestStartSessionTimeout(t *testing.T) {
	ctrl := newFakeController()
	exec, _ := newSession(t, ctrl, WithStartTimeout(50*time.Millisecond))

	err := exec.StartSession(context.Background())
	assert.ErrorIs(t, err, mctr.ErrStartSession)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVerdictInterception(t *testing.T) {
	ctrl := newFakeController()
	exec, obs := newSession(t, ctrl)
	_ = exec

	ctrl.Send(t,
		packet.Notification{Source: "MTC@ubuntu", Severity: 20, Message: "Test case HelloW2 finished. Verdict: inconc"},
		packet.Notification{Source: "MC@ubuntu", Severity: 1,
			Message: "Verdict statistics: 0 none (0.00 %), 1 pass (50.00 %), 1 inconc (50.00 %), 0 fail (0.00 %), 0 error (0.00 %)."},
		packet.Notification{Source: "MC@ubuntu", Severity: 1, Message: "Test case X finished. Verdict: maybe"},
		packet.Notification{Source: "MC@ubuntu", Severity: 1, Message: "Test execution finished."},
	)

	require.Eventually(t, func() bool { return len(obs.Notes()) == 2 }, waitFor, 5*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, map[string]mctr.Verdict{"HelloW2": mctr.VerdictInconc}, obs.verdicts)
	require.Len(t, obs.stats, 1)
	assert.Equal(t, map[mctr.Verdict]int{
		mctr.VerdictNone:   0,
		mctr.VerdictPass:   1,
		mctr.VerdictInconc: 1,
		mctr.VerdictFail:   0,
		mctr.VerdictError:  0,
	}, obs.stats[0])
	assert.Equal(t, []string{
		"MC@ubuntu:1:Test case X finished. Verdict: maybe",
		"MC@ubuntu:1:Test execution finished.",
	}, obs.notes)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		msg      string
		testcase string
		verdict  mctr.Verdict
		ok       bool
	}{
		{"Test case HelloW2 finished. Verdict: inconc", "HelloW2", mctr.VerdictInconc, true},
		{"Test case tc_1 finished. Verdict: pass", "tc_1", mctr.VerdictPass, true},
		{"Test case a b finished. Verdict: error", "a b", mctr.VerdictError, true},
		{"Test case T finished. Verdict: pass reason", "", mctr.VerdictNone, false},
		{"prefix Test case T finished. Verdict: pass", "", mctr.VerdictNone, false},
		{"Test case T finished, Verdict: pass", "", mctr.VerdictNone, false},
	}

	for _, tt := range tests {
		tc, v, ok := parseVerdict(tt.msg)
		assert.Equal(t, tt.ok, ok, tt.msg)
		assert.Equal(t, tt.testcase, tc, tt.msg)
		assert.Equal(t, tt.verdict, v, tt.msg)
	}
}

func TestParseVerdictStats(t *testing.T) {
	stats, ok := parseVerdictStats("Verdict statistics: 0 none, 0 pass, 0 inconc, 0 fail, 0 error.")
	require.True(t, ok)
	assert.Len(t, stats, 5)

	stats, ok = parseVerdictStats("Verdict statistics: 3 none (10.00 %), 4 pass (20.00 %), 5 inconc (30.00 %), 6 fail (20.00 %), 7 error (20.00 %).")
	require.True(t, ok)
	assert.Equal(t, 3, stats[mctr.VerdictNone])
	assert.Equal(t, 7, stats[mctr.VerdictError])

	_, ok = parseVerdictStats("Verdict statistics: x none, 0 pass, 0 inconc, 0 fail, 0 error.")
	assert.False(t, ok)
	_, ok = parseVerdictStats("Verdict statistics: 99999999999999999999 none, 0 pass, 0 inconc, 0 fail, 0 error.")
	assert.False(t, ok)
}

func TestObserverPanicRecovered(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	ctrl := newFakeController()
	exec := New(ctrl, WithLogger(zap.New(core)))
	require.NoError(t, exec.Init())
	t.Cleanup(exec.ShutdownSession)

	var (
		mu   sync.Mutex
		seen []mctr.State
	)
	require.NoError(t, exec.SetObserver(mctr.ObserverFuncs{
		OnNotify: func(mctr.Timeval, string, int, string) { panic("observer bug") },
		OnStatusChanged: func(s mctr.State) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, s)
		},
	}))

	ctrl.Send(t, packet.Notification{Message: "boom"})
	moveTo(t, exec, ctrl, mctr.StateListening)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, waitFor, 5*time.Millisecond)

	entries := logs.FilterMessage("observer panicked").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Notify", entries[0].ContextMap()["callback"])
}

func TestShutdownFromEveryConnectedState(t *testing.T) {
	tests := []struct {
		state mctr.State
		calls []string
	}{
		{mctr.StateListening, []string{"ShutdownSession", "Terminate"}},
		{mctr.StateListeningConfigured, []string{"ShutdownSession", "Terminate"}},
		{mctr.StateHCConnected, []string{"ShutdownSession", "Terminate"}},
		{mctr.StateActive, []string{"ShutdownSession", "Terminate"}},
		{mctr.StateReady, []string{"ExitMTC", "ShutdownSession", "Terminate"}},
		{mctr.StateExecutingControl, []string{"StopExecution", "ExitMTC", "ShutdownSession", "Terminate"}},
		{mctr.StateExecutingTestcase, []string{"StopExecution", "ExitMTC", "ShutdownSession", "Terminate"}},
		{mctr.StatePaused, []string{"StopExecution", "ExitMTC", "ShutdownSession", "Terminate"}},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			ctrl := newFakeController()
			exec, obs := newSession(t, ctrl)
			moveTo(t, exec, ctrl, tt.state)

			exec.ShutdownSession()

			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()
			require.NoError(t, exec.WaitForCompletion(ctx))

			assert.False(t, exec.IsConnected())
			assert.Equal(t, mctr.StateInactive, exec.State())
			assert.Equal(t, append([]string{"Initialize"}, tt.calls...), ctrl.Calls())

			got := obs.Statuses()
			require.NotEmpty(t, got)
			assert.Equal(t, mctr.StateInactive, got[len(got)-1])
		})
	}
}

func TestShutdownInactiveFinalizesImmediately(t *testing.T) {
	ctrl := newFakeController()
	exec := New(ctrl)
	require.NoError(t, exec.Init())
	first := exec.SessionID()

	exec.ShutdownSession()
	assert.False(t, exec.IsConnected())
	assert.Equal(t, 1, ctrl.Count("Terminate"))
	assert.NoError(t, exec.WaitForCompletion(context.Background()))

	// The executor can open a new session afterwards.
	require.NoError(t, exec.Init())
	assert.NotEqual(t, first, exec.SessionID())
	exec.ShutdownSession()
	assert.Equal(t, 2, ctrl.Count("Terminate"))
}

func TestConcurrentShutdownTerminatesOnce(t *testing.T) {
	ctrl := newFakeController()
	exec, _ := newSession(t, ctrl)
	moveTo(t, exec, ctrl, mctr.StateActive)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.ShutdownSession()
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, exec.WaitForCompletion(ctx))

	assert.Equal(t, 1, ctrl.Count("ShutdownSession"))
	assert.Equal(t, 1, ctrl.Count("Terminate"))
}

func TestStartHostControllers(t *testing.T) {
	ctrl := newFakeController()
	ctrl.react["StartSession"] = statuses(mctr.StateListening)
	launcher := &fakeLauncher{}
	exec, obs := newSession(t, ctrl, WithLauncher(launcher))

	require.NoError(t, exec.AddHostController(&hostctl.HostController{WorkingDir: "/opt/tests", Executable: "hc"}))
	require.NoError(t, exec.AddHostController(&hostctl.HostController{Host: "lab2", WorkingDir: "/srv", Executable: "hc2"}))
	require.NoError(t, exec.StartSession(context.Background()))
	require.NoError(t, exec.StartHostControllers())

	assert.Equal(t, []string{
		"cd /opt/tests; ./hc 0.0.0.0 9034",
		"ssh lab2 cd /srv; ./hc2 0.0.0.0 9034",
	}, launcher.Commands())

	sink := launcher.Sink(0)
	sink.Output("HC started")
	sink.Output("Test case T1 finished. Verdict: pass")
	sink.Failed("Error running command: cd /opt/tests; ./hc 0.0.0.0 9034")

	assert.Equal(t, []string{"NULL:0:HC started"}, obs.Notes())
	assert.Equal(t, []string{"0:Error running command: cd /opt/tests; ./hc 0.0.0.0 9034"}, obs.Errors())
	obs.mu.Lock()
	assert.Equal(t, mctr.VerdictPass, obs.verdicts["T1"])
	obs.mu.Unlock()

	exec.ShutdownSession()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, exec.WaitForCompletion(ctx))

	sink.Output("late line")
	assert.Len(t, obs.Notes(), 1)
}

func TestDataQueriesReleaseData(t *testing.T) {
	ctrl := newFakeController()
	ctrl.hosts = []mctr.HostData{{Hostname: "lab1", SystemName: "Linux"}}
	exec, _ := newSession(t, ctrl)
	moveTo(t, exec, ctrl, mctr.StateHCConnected)

	n, err := exec.NumberOfHosts()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hd, err := exec.HostData(0)
	require.NoError(t, err)
	assert.Equal(t, "lab1", hd.Hostname)

	_, err = exec.HostData(3)
	assert.ErrorIs(t, err, mctr.ErrIllegalArgument)

	_, err = exec.ComponentData(mctr.MTCCompRef)
	assert.ErrorIs(t, err, mctr.ErrWrongState)

	moveTo(t, exec, ctrl, mctr.StateReady)
	cd, err := exec.ComponentData(mctr.MTCCompRef)
	require.NoError(t, err)
	assert.Equal(t, "mtc", cd.Name)

	_, err = exec.ComponentData(99)
	assert.ErrorIs(t, err, mctr.ErrIllegalArgument)

	assert.Equal(t, 5, ctrl.Count("ReleaseData"))
}

func TestPauseExecution(t *testing.T) {
	ctrl := newFakeController()
	exec, _ := newSession(t, ctrl)

	require.NoError(t, exec.PauseExecution(true))
	paused, err := exec.IsPaused()
	require.NoError(t, err)
	assert.True(t, paused)

	moveTo(t, exec, ctrl, mctr.StatePaused)
	require.NoError(t, exec.ContinueExecution())
	assert.Equal(t, 1, ctrl.Count("ContinueTestcase"))
}

func TestStopExecutionInReadyIsNoOp(t *testing.T) {
	ctrl := newFakeController()
	exec, _ := newSession(t, ctrl)
	moveTo(t, exec, ctrl, mctr.StateReady)

	require.NoError(t, exec.StopExecution())
	assert.Equal(t, 0, ctrl.Count("StopExecution"))
	assert.Equal(t, mctr.StateReady, exec.State())

	moveTo(t, exec, ctrl, mctr.StateExecutingControl)
	require.NoError(t, exec.StopExecution())
	assert.Equal(t, 1, ctrl.Count("StopExecution"))
}

func TestShutdownWaitsForLauncher(t *testing.T) {
	ctrl := newFakeController()
	launcher := &waitingLauncher{waited: make(chan struct{})}
	exec, _ := newSession(t, ctrl, WithLauncher(launcher))

	exec.ShutdownSession()
	require.NoError(t, exec.WaitForCompletion(context.Background()))

	select {
	case <-launcher.waited:
	case <-time.After(waitFor):
		t.Fatal("launcher was not waited on after the session closed")
	}
}

func TestEventStreamFailureClosesSession(t *testing.T) {
	ctrl := newFakeController()
	exec, obs := newSession(t, ctrl)

	ctrl.SendRaw(t, "N0x001")

	require.Eventually(t, func() bool { return !exec.IsConnected() }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, ctrl.Count("Terminate"))

	errs := obs.Errors()
	require.Len(t, errs, 1)
	assert.True(t, strings.HasPrefix(errs[0], "0:event stream failed: "), errs[0])
}

func TestLogsCarrySessionID(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctrl := newFakeController()
	exec := New(ctrl, WithLogger(zap.New(core)))
	require.NoError(t, exec.Init())
	defer exec.ShutdownSession()

	id := exec.SessionID().String()
	entries := logs.FilterMessage("session initialized").All()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ContextMap()["session_id"])
}
