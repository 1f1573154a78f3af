// Package dispatch implements the event dispatch loop of a controller
// session.
//
// One Loop runs per connected session. It reads raw packets from a Source,
// decodes them, and hands them to a Handler with the session lock held.
//
// When a status packet arrives, the loop drains every packet that is
// already buffered before it delivers the status. Notifications from that
// burst are delivered as one batch ahead of the status, errors are delivered
// as they are seen, and a later status replaces the pending one. Only the
// last status of a burst reaches the Handler.
package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	mctr "github.com/smnsjas/go-mctr"
	"github.com/smnsjas/go-mctr/packet"
)

// Source supplies raw packets.
type Source interface {
	// Next blocks until a packet is available or the source fails.
	Next() (string, error)
	// TryNext returns a packet only if one is already buffered.
	TryNext() (string, bool)
}

// Handler receives decoded events. All methods are called with the session
// lock held.
type Handler interface {
	StatusChanged(state mctr.State)
	Error(ev packet.Error)
	Notify(ev packet.Notification)
	NotifyBatch(evs []packet.Notification)
}

// Loop is the dispatch loop of one session.
type Loop struct {
	src    Source
	lock   sync.Locker
	h      Handler
	logger *zap.Logger

	active atomic.Bool
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// New creates an active Loop. Call Run or Start to begin dispatching.
func New(src Source, lock sync.Locker, h Handler, opts ...Option) *Loop {
	l := &Loop{
		src:    src,
		lock:   lock,
		h:      h,
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.active.Store(true)
	return l
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start() {
	go l.Run()
}

// Run dispatches packets until the loop is inactivated or the source fails.
func (l *Loop) Run() {
	defer close(l.done)

	for l.active.Load() {
		raw, err := l.src.Next()
		if !l.active.Load() {
			if err == nil {
				l.logger.Debug("discarding packet after inactivation", zap.String("packet", raw))
			}
			return
		}
		if err != nil {
			l.logger.Warn("event stream ended", zap.Error(err))
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
			return
		}

		l.lock.Lock()
		l.dispatch(raw)
		l.lock.Unlock()
	}
}

// Inactivate stops the loop at its next check. A packet read after
// inactivation is discarded. Closing the source wakes a blocked read.
func (l *Loop) Inactivate() {
	l.active.Store(false)
}

// Active reports whether the loop has not been inactivated.
func (l *Loop) Active() bool {
	return l.active.Load()
}

// Done returns a channel that is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Err returns the source error that ended the loop, or nil if the loop was
// inactivated or is still running.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// dispatch decodes and delivers one packet. Caller must hold the session lock.
func (l *Loop) dispatch(raw string) {
	ev, err := packet.Decode(raw)
	if err != nil {
		l.logger.Warn("dropping malformed packet", zap.String("packet", raw), zap.Error(err))
		return
	}

	switch ev := ev.(type) {
	case packet.StatusChange:
		l.burst(ev.State)
	case packet.Error:
		l.h.Error(ev)
	case packet.Notification:
		l.h.Notify(ev)
	}
}

// burst drains the packets buffered behind a status packet and delivers
// them in order: errors as seen, then the notification batch, then the last
// status.
func (l *Loop) burst(pending mctr.State) {
	var batch []packet.Notification

drain:
	for l.active.Load() {
		raw, ok := l.src.TryNext()
		if !ok {
			break
		}

		ev, err := packet.Decode(raw)
		if err != nil {
			if errors.Is(err, packet.ErrUnknownMethod) {
				l.logger.Warn("unknown packet ends burst", zap.String("packet", raw))
				break
			}
			l.logger.Warn("dropping malformed packet", zap.String("packet", raw), zap.Error(err))
			continue
		}

		switch ev := ev.(type) {
		case packet.StatusChange:
			l.logger.Debug("status superseded",
				zap.Stringer("from", pending), zap.Stringer("to", ev.State))
			pending = ev.State
		case packet.Error:
			l.h.Error(ev)
		case packet.Notification:
			batch = append(batch, ev)
		default:
			break drain
		}
	}

	if !l.active.Load() {
		return
	}
	if len(batch) > 0 {
		l.h.NotifyBatch(batch)
	}
	l.h.StatusChanged(pending)
}
