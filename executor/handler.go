package executor

import (
	"regexp"
	"strconv"

	"go.uber.org/zap"

	mctr "github.com/smnsjas/go-mctr"
	"github.com/smnsjas/go-mctr/packet"
)

// Report lines the controller prints after testcases and runs. They are
// delivered as Verdict and VerdictStats instead of Notify.
var (
	verdictPattern = regexp.MustCompile(
		`^Test case (.*) finished\. Verdict: (none|pass|inconc|fail|error)$`)
	verdictStatsPattern = regexp.MustCompile(
		`^Verdict statistics: (\d+) none[^,]*, (\d+) pass[^,]*, (\d+) inconc[^,]*, (\d+) fail[^,]*, (\d+) error.*$`)
)

// handler receives events from the dispatch loop with the session lock held.
type handler struct {
	e *Executor
}

func (h *handler) StatusChanged(state mctr.State) {
	e := h.e
	e.log.Debug("status changed", zap.Stringer("state", state))

	e.machine.Set(state)
	if e.machine.Flags().ShutdownRequested {
		e.continueShutdown(state)
	}
	e.emit("StatusChanged", func(o mctr.Observer) { o.StatusChanged(state) })
}

func (h *handler) Error(ev packet.Error) {
	h.e.log.Debug("controller error", zap.Int("severity", ev.Severity), zap.String("message", ev.Message))
	h.e.emitError(ev.Severity, ev.Message)
}

func (h *handler) Notify(ev packet.Notification) {
	h.e.notify(ev.Time, ev.Source, ev.Severity, ev.Message)
}

func (h *handler) NotifyBatch(evs []packet.Notification) {
	for _, ev := range evs {
		h.e.notify(ev.Time, ev.Source, ev.Severity, ev.Message)
	}
}

// notify delivers a notification, turning report lines into verdict
// callbacks. Caller must hold the session lock.
func (e *Executor) notify(t mctr.Timeval, source string, severity int, message string) {
	if testcase, v, ok := parseVerdict(message); ok {
		e.emit("Verdict", func(o mctr.Observer) { o.Verdict(testcase, v) })
		return
	}
	if stats, ok := parseVerdictStats(message); ok {
		e.emit("VerdictStats", func(o mctr.Observer) { o.VerdictStats(stats) })
		return
	}
	e.emit("Notify", func(o mctr.Observer) { o.Notify(t, source, severity, message) })
}

func (e *Executor) emitError(severity int, message string) {
	e.emit("Error", func(o mctr.Observer) { o.Error(severity, message) })
}

// emit calls fn with the observer, if one is set. A panic in the observer
// is logged and swallowed.
func (e *Executor) emit(callback string, fn func(mctr.Observer)) {
	obs := e.observer
	if obs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("observer panicked", zap.String("callback", callback), zap.Any("panic", r))
		}
	}()
	fn(obs)
}

func parseVerdict(message string) (string, mctr.Verdict, bool) {
	m := verdictPattern.FindStringSubmatch(message)
	if m == nil {
		return "", mctr.VerdictNone, false
	}
	v, ok := mctr.ParseVerdict(m[2])
	if !ok {
		return "", mctr.VerdictNone, false
	}
	return m[1], v, true
}

func parseVerdictStats(message string) (map[mctr.Verdict]int, bool) {
	m := verdictStatsPattern.FindStringSubmatch(message)
	if m == nil {
		return nil, false
	}
	stats := make(map[mctr.Verdict]int, len(mctr.Verdicts))
	for i, v := range mctr.Verdicts {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return nil, false
		}
		stats[v] = n
	}
	return stats, true
}
