package mctr

// Observer receives the asynchronous events of a controller session.
//
// Observer methods are called from the dispatch loop with the session lock
// held. They must not call back into the executor synchronously.
type Observer interface {
	// StatusChanged is called when the controller enters a new state.
	StatusChanged(state State)
	// Error is called when the controller reports an error.
	Error(severity int, message string)
	// Notify is called for a notification that is not a verdict report.
	Notify(time Timeval, source string, severity int, message string)
	// Verdict is called when a testcase finishes.
	Verdict(testcase string, verdict Verdict)
	// VerdictStats is called with the verdict counts after a run.
	VerdictStats(stats map[Verdict]int)
}

// NopObserver ignores all events. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) StatusChanged(State) {}
func (NopObserver) Error(int, string) {}
func (NopObserver) Notify(Timeval, string, int, string) {}
func (NopObserver) Verdict(string, Verdict) {}
func (NopObserver) VerdictStats(map[Verdict]int) {}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	OnStatusChanged func(State)
	OnError         func(int, string)
	OnNotify        func(Timeval, string, int, string)
	OnVerdict       func(string, Verdict)
	OnVerdictStats  func(map[Verdict]int)
}

func (f ObserverFuncs) StatusChanged(s State) {
	if f.OnStatusChanged != nil {
		f.OnStatusChanged(s)
	}
}

func (f ObserverFuncs) Error(severity int, message string) {
	if f.OnError != nil {
		f.OnError(severity, message)
	}
}

func (f ObserverFuncs) Notify(t Timeval, source string, severity int, message string) {
	if f.OnNotify != nil {
		f.OnNotify(t, source, severity, message)
	}
}

func (f ObserverFuncs) Verdict(testcase string, v Verdict) {
	if f.OnVerdict != nil {
		f.OnVerdict(testcase, v)
	}
}

func (f ObserverFuncs) VerdictStats(stats map[Verdict]int) {
	if f.OnVerdictStats != nil {
		f.OnVerdictStats(stats)
	}
}

// Observers delivers every event to each observer in order.
type Observers []Observer

func (obs Observers) StatusChanged(s State) {
	for _, o := range obs {
		o.StatusChanged(s)
	}
}

func (obs Observers) Error(severity int, message string) {
	for _, o := range obs {
		o.Error(severity, message)
	}
}

func (obs Observers) Notify(t Timeval, source string, severity int, message string) {
	for _, o := range obs {
		o.Notify(t, source, severity, message)
	}
}

func (obs Observers) Verdict(testcase string, v Verdict) {
	for _, o := range obs {
		o.Verdict(testcase, v)
	}
}

func (obs Observers) VerdictStats(stats map[Verdict]int) {
	for _, o := range obs {
		o.VerdictStats(stats)
	}
}
