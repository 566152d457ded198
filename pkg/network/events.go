package network

import (
	"context"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-presence/pkg/presence"
)

// DefaultEventBuffer is the event queue length used when none is configured.
const DefaultEventBuffer = 256

// Event is a transport lifecycle or data event for one session.
type Event interface {
	SessionID() presence.SessionID
}

// Connected reports a newly opened session.
type Connected struct {
	Session    presence.SessionID
	RemoteAddr string
	RemotePeer peer.ID
}

// Disconnected reports a session that has closed.
type Disconnected struct {
	Session presence.SessionID
}

// Received carries the bytes of one payload read from a session.
type Received struct {
	Session    presence.SessionID
	RemotePeer peer.ID
	Data       []byte
}

func (e Connected) SessionID() presence.SessionID    { return e.Session }
func (e Disconnected) SessionID() presence.SessionID { return e.Session }
func (e Received) SessionID() presence.SessionID     { return e.Session }

// EventLoop feeds events to a Handler from a single goroutine, so the
// handler sees the events of all sessions in one serial order.
type EventLoop struct {
	events chan Event
	stop   chan struct{}
	log    *zap.Logger

	mu      sync.Mutex
	tasks   *taskgroup.Group
	stopped bool
}

// NewEventLoop creates a loop with room for buffer queued events.
func NewEventLoop(buffer int, logger *zap.Logger) *EventLoop {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLoop{
		events: make(chan Event, buffer),
		stop:   make(chan struct{}),
		log:    logger,
	}
}

// Start begins dispatching events to h. Events delivered before Start stay
// queued. Start must be called at most once.
func (l *EventLoop) Start(ctx context.Context, h *Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tasks != nil || l.stopped {
		return
	}
	l.tasks = taskgroup.New(nil)
	l.tasks.Go(func() error {
		l.run(ctx, h)
		return nil
	})
}

// Deliver queues ev for dispatch. It blocks while the queue is full and
// reports false if the loop has been stopped.
func (l *EventLoop) Deliver(ev Event) bool {
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.events <- ev:
		return true
	case <-l.stop:
		return false
	}
}

// Stop halts the loop after dispatching the events already queued, and
// waits for it to exit.
func (l *EventLoop) Stop() {
	if tasks := l.halt(); tasks != nil {
		tasks.Wait()
	}
}

// halt closes the stop channel once and returns the running task group.
func (l *EventLoop) halt() *taskgroup.Group {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		l.stopped = true
		close(l.stop)
	}
	return l.tasks
}

func (l *EventLoop) run(ctx context.Context, h *Handler) {
	for {
		select {
		case ev := <-l.events:
			l.dispatch(ctx, h, ev)
		case <-l.stop:
			for {
				select {
				case ev := <-l.events:
					l.dispatch(ctx, h, ev)
				default:
					return
				}
			}
		case <-ctx.Done():
			l.log.Debug("event loop context done", zap.Error(ctx.Err()))
			l.halt()
			return
		}
	}
}

func (l *EventLoop) dispatch(ctx context.Context, h *Handler, ev Event) {
	switch e := ev.(type) {
	case Connected:
		h.OnConnected(ctx, e.Session, e.RemoteAddr)
	case Disconnected:
		h.OnDisconnected(ctx, e.Session)
	case Received:
		h.OnReceived(ctx, e.Session, e.RemotePeer, e.Data)
	default:
		l.log.Warn("dropping unknown event", zap.String("session", string(ev.SessionID())))
	}
}
