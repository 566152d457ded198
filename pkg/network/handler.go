package network

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-presence/pkg/presence"
	"github.com/ZentaChain/zentalk-presence/pkg/protocol"
	"github.com/ZentaChain/zentalk-presence/pkg/telemetry"
)

// Delivery is a directed message addressed to this node.
type Delivery struct {
	From       peer.ID
	Session    presence.SessionID
	Message    string
	ReceivedAt time.Time
}

// Handler is the presence protocol state machine. Its state is the presence
// table plus the pending message slot; transport events drive it through
// OnConnected, OnDisconnected and OnReceived.
type Handler struct {
	ctrl         SessionControl
	table        *presence.Table
	log          *zap.Logger
	metrics      *telemetry.Metrics
	bindIdentity bool
	inbox        func(Delivery)
	pending      *presence.Pending
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithTable makes the handler use an existing presence table.
func WithTable(t *presence.Table) HandlerOption {
	return func(h *Handler) {
		if t != nil {
			h.table = t
		}
	}
}

// WithPending queues a directed message for the first connection.
func WithPending(p presence.Pending) HandlerOption {
	return func(h *Handler) { h.pending = &p }
}

// WithIdentityBinding controls whether a session is bound to the
// authenticated remote peer the first time a payload arrives on it.
func WithIdentityBinding(enabled bool) HandlerOption {
	return func(h *Handler) { h.bindIdentity = enabled }
}

// WithInbox sets the callback for directed messages addressed to this node.
func WithInbox(fn func(Delivery)) HandlerOption {
	return func(h *Handler) { h.inbox = fn }
}

// WithMetrics sets the metrics the handler records into.
func WithMetrics(m *telemetry.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a handler talking back to the transport through ctrl.
// The presence table starts empty unless WithTable is given.
func NewHandler(ctrl SessionControl, opts ...HandlerOption) *Handler {
	h := &Handler{
		ctrl:         ctrl,
		table:        presence.NewTable(),
		log:          zap.NewNop(),
		bindIdentity: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.pending != nil {
		h.table.SetPending(*h.pending)
		h.pending = nil
	}
	if h.inbox == nil {
		h.inbox = h.logDelivery
	}
	return h
}

// Table returns the handler's presence table.
func (h *Handler) Table() *presence.Table { return h.table }

// OnConnected announces everything this node can reach to the new session,
// then sends the pending message there if one is still waiting.
//
// The remote identity is not known yet at this point; it is bound when the
// first payload arrives (see OnReceived).
func (h *Handler) OnConnected(ctx context.Context, session presence.SessionID, remoteAddr string) {
	h.metrics.SessionOpened()
	log := h.log.With(zap.String("session", string(session)))
	log.Info("session connected", zap.String("remote_addr", remoteAddr))

	ann := protocol.NewPeersAnnouncement(h.table.CurrentlyReachablePeers(), nil)
	h.send(ctx, session, ann)

	pending, ok := h.table.TakePending()
	if !ok {
		return
	}
	msg := &protocol.DirectedMessage{Recipient: pending.Recipient, Message: pending.Message}
	if err := h.send(ctx, session, msg); err == nil {
		h.metrics.PendingSent()
		log.Info("pending message sent", zap.String("recipient", pending.Recipient))
	}
}

// OnDisconnected drops session from the presence table and, if that left
// any peer unreachable, tells every remaining session about it.
func (h *Handler) OnDisconnected(ctx context.Context, session presence.SessionID) {
	h.metrics.SessionClosed()
	gone := h.table.RecordDisconnected(session)
	h.metrics.SetReachable(h.table.Len())

	log := h.log.With(zap.String("session", string(session)))
	if len(gone) == 0 {
		log.Info("session disconnected")
		return
	}
	log.Info("session disconnected, peers unreachable", zap.Stringers("peers", gone))
	h.broadcast(ctx, protocol.NewPeersAnnouncement(nil, gone))
}

// OnReceived handles one payload read from session. Malformed data is
// logged and dropped; the session stays open.
func (h *Handler) OnReceived(ctx context.Context, session presence.SessionID, remote peer.ID, data []byte) {
	log := h.log.With(zap.String("session", string(session)))

	payload, err := protocol.Decode(data)
	if err != nil {
		h.metrics.DecodeFailed()
		log.Warn("dropping malformed payload", zap.Int("bytes", len(data)), zap.Error(err))
		return
	}
	h.metrics.Received(payload.Kind().String())

	if remote != "" {
		log = log.With(zap.Stringer("peer", remote))
		if h.bindIdentity {
			h.bind(ctx, session, remote)
		}
	}

	switch p := payload.(type) {
	case *protocol.PeersAnnouncement:
		h.observeAnnouncement(log, p)
	case *protocol.DirectedMessage:
		h.handleDirected(ctx, log, session, remote, p, data)
	}
}

// bind records remote as reachable over session and announces it to every
// open session if it was not reachable before.
func (h *Handler) bind(ctx context.Context, session presence.SessionID, remote peer.ID) {
	if sc, ok := h.ctrl.(sessionChecker); ok && !sc.IsOpen(session) {
		return
	}
	if !h.table.Bind(remote, session) {
		return
	}
	h.metrics.SetReachable(h.table.Len())
	h.log.Info("peer reachable",
		zap.String("session", string(session)), zap.Stringer("peer", remote))
	h.broadcast(ctx, protocol.NewPeersAnnouncement([]peer.ID{remote}, nil))
}

func (h *Handler) observeAnnouncement(log *zap.Logger, ann *protocol.PeersAnnouncement) {
	log.Info("peers announcement",
		zap.Strings("reachable", ann.Reachable),
		zap.Strings("unreachable", ann.Unreachable))
	if _, err := protocol.PeerIDs(ann.Reachable); err != nil {
		log.Warn("announcement lists invalid reachable peer", zap.Error(err))
	}
	if _, err := protocol.PeerIDs(ann.Unreachable); err != nil {
		log.Warn("announcement lists invalid unreachable peer", zap.Error(err))
	}
}

// handleDirected delivers msg locally when it is addressed to this node,
// otherwise forwards the original bytes to a session of the recipient.
func (h *Handler) handleDirected(ctx context.Context, log *zap.Logger, session presence.SessionID, remote peer.ID, msg *protocol.DirectedMessage, raw []byte) {
	if msg.Recipient == h.ctrl.LocalPeerID().String() {
		h.inbox(Delivery{
			From:       remote,
			Session:    session,
			Message:    msg.Message,
			ReceivedAt: time.Now(),
		})
		return
	}

	log = log.With(zap.String("recipient", msg.Recipient))
	recipient, err := peer.Decode(msg.Recipient)
	if err != nil {
		log.Warn("dropping directed message with invalid recipient", zap.Error(err))
		return
	}
	for _, target := range h.table.Sessions(recipient) {
		if target == session {
			continue
		}
		err := h.ctrl.SendToSession(ctx, target, raw)
		h.metrics.Sent(protocol.KindDirectedMessage.String(), err)
		if err != nil {
			log.Warn("relay failed", zap.String("target", string(target)), zap.Error(err))
			return
		}
		h.metrics.MessageRelayed()
		log.Info("directed message relayed", zap.String("target", string(target)))
		return
	}
	log.Info("dropping directed message for unreachable recipient")
}

func (h *Handler) logDelivery(d Delivery) {
	h.log.Info("directed message received",
		zap.Stringer("from", d.From),
		zap.String("session", string(d.Session)),
		zap.String("message", d.Message))
}

// send encodes p and writes it to one session. Failures are logged and
// returned; they are never retried.
func (h *Handler) send(ctx context.Context, session presence.SessionID, p protocol.Payload) error {
	data, err := protocol.Encode(p)
	if err != nil {
		h.log.Error("encode failed", zap.Stringer("kind", p.Kind()), zap.Error(err))
		return err
	}
	err = h.ctrl.SendToSession(ctx, session, data)
	h.metrics.Sent(p.Kind().String(), err)
	if err != nil {
		h.log.Warn("send failed",
			zap.String("session", string(session)), zap.Stringer("kind", p.Kind()), zap.Error(err))
	}
	return err
}

// broadcast encodes p and hands it to every open session, best effort.
func (h *Handler) broadcast(ctx context.Context, p protocol.Payload) {
	data, err := protocol.Encode(p)
	if err != nil {
		h.log.Error("encode failed", zap.Stringer("kind", p.Kind()), zap.Error(err))
		return
	}
	err = h.ctrl.Broadcast(ctx, data)
	h.metrics.Sent(p.Kind().String(), err)
	if err != nil {
		h.log.Warn("broadcast failed", zap.Stringer("kind", p.Kind()), zap.Error(err))
	}
}
