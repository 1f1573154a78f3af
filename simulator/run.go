package simulator

import (
	"fmt"
	"strings"
	"time"

	mctr "github.com/smnsjas/go-mctr"
)

// queue holds the pending steps of one session. Steps run in order on the
// session's worker goroutine with c.mu held.
type queue struct {
	jobs []func()
	wake chan struct{}
	done chan struct{}
}

func newQueue() *queue {
	return &queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// later queues fn as the next step. Caller must hold c.mu.
func (c *Controller) later(fn func()) {
	c.q.jobs = append(c.q.jobs, fn)
	select {
	case c.q.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) work(q *queue) {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			c.mu.Lock()
			if c.q != q || len(q.jobs) == 0 {
				c.mu.Unlock()
				break
			}
			fn := q.jobs[0]
			q.jobs = q.jobs[1:]
			c.mu.Unlock()

			if !c.sleep(q) {
				return
			}

			c.mu.Lock()
			if c.q == q {
				fn()
			}
			c.mu.Unlock()
		}
	}
}

func (c *Controller) sleep(q *queue) bool {
	if c.delay <= 0 {
		return true
	}
	t := time.NewTimer(c.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.done:
		return false
	}
}

// run is one execution started by ExecuteControl, ExecuteTestcase or
// ExecuteCfg.
type run struct {
	items     []ExecuteItem
	current   ExecuteItem
	scheduled bool
}

func (c *Controller) startControl(module string) {
	tcs := c.controls[module]
	items := make([]ExecuteItem, len(tcs))
	for i, tc := range tcs {
		items[i] = ExecuteItem{Module: module, Testcase: tc}
	}
	c.startRun(items)
}

func (c *Controller) startRun(items []ExecuteItem) {
	c.run = &run{items: items}
	c.stats = make(map[mctr.Verdict]int, len(mctr.Verdicts))
	c.stopRequested = false
	c.mtc.State = mctr.MTCControlPart
	c.setState(mctr.StateExecutingControl)
	c.schedule()
}

// schedule queues the next step of the current run unless one is pending.
func (c *Controller) schedule() {
	r := c.run
	if r == nil || r.scheduled {
		return
	}
	r.scheduled = true
	c.later(func() { c.step(r) })
}

func (c *Controller) step(r *run) {
	if c.run != r {
		return
	}
	r.scheduled = false

	switch c.state {
	case mctr.StateExecutingControl:
		if c.stopRequested || len(r.items) == 0 {
			c.finishRun()
			return
		}
		r.current, r.items = r.items[0], r.items[1:]
		c.mtc.State = mctr.MTCTestcase
		c.mtc.FunctionName = mctr.QualifiedName{Module: r.current.Module, Definition: r.current.Testcase}
		c.setState(mctr.StateExecutingTestcase)
		c.schedule()
	case mctr.StateExecutingTestcase:
		c.finishTestcase(r)
	}
}

func (c *Controller) finishTestcase(r *run) {
	c.mtc.State = mctr.MTCTerminatingTestcase
	c.setState(mctr.StateTerminatingTestcase)

	v, ok := c.verdicts[r.current.Testcase]
	if !ok {
		v = mctr.VerdictPass
	}
	c.stats[v]++
	c.mtc.LocalVerdict = v
	c.notifyFrom(c.mtc.LogSource, severityTestcase,
		fmt.Sprintf("Test case %s finished. Verdict: %s", r.current.Testcase, v))

	switch {
	case c.stopRequested:
		c.mtc.State = mctr.MTCControlPart
		c.setState(mctr.StateExecutingControl)
		c.schedule()
	case c.stopAfter:
		c.mtc.State = mctr.MTCPaused
		c.state = mctr.StatePaused
		c.notify("Execution has been paused.")
		c.statusChange()
	default:
		c.mtc.State = mctr.MTCControlPart
		c.setState(mctr.StateExecutingControl)
		c.schedule()
	}
}

func (c *Controller) finishRun() {
	c.notifyFrom(c.mtc.LogSource, severityTestcase, verdictStatistics(c.stats))
	c.notify("Test execution finished.")
	c.run = nil
	c.stopRequested = false
	c.mtc.State = mctr.TCIdle
	c.mtc.FunctionName = mctr.QualifiedName{}
	c.setState(mctr.StateReady)
}

func (c *Controller) resume() {
	c.notify("Resuming execution.")
	c.mtc.State = mctr.MTCControlPart
	c.setState(mctr.StateExecutingControl)
	c.schedule()
}

// verdictStatistics formats the report line printed at the end of a run.
func verdictStatistics(stats map[mctr.Verdict]int) string {
	total := 0
	for _, n := range stats {
		total += n
	}
	parts := make([]string, len(mctr.Verdicts))
	for i, v := range mctr.Verdicts {
		if total == 0 {
			parts[i] = fmt.Sprintf("%d %s", stats[v], v)
			continue
		}
		parts[i] = fmt.Sprintf("%d %s (%.2f %%)", stats[v], v, 100*float64(stats[v])/float64(total))
	}
	return "Verdict statistics: " + strings.Join(parts, ", ") + "."
}
