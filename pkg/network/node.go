package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	lpnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multistream"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-presence/pkg/presence"
	"github.com/ZentaChain/zentalk-presence/pkg/protocol"
)

// NodeConfig contains configuration for creating a presence node
type NodeConfig struct {
	Port        int           // TCP listen port; 0 picks a free one
	ListenAddrs []string      // Overrides Port when set
	PrivateKey  crypto.PrivKey // Optional: a fresh Ed25519 key is generated if nil
	SendTimeout time.Duration // Per-payload write deadline
	EventBuffer int           // Queued transport events before delivery blocks
}

// DefaultNodeConfig returns default node configuration
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Port:        4001,
		SendTimeout: 10 * time.Second,
		EventBuffer: DefaultEventBuffer,
	}
}

// SessionInfo describes one open session
type SessionInfo struct {
	ID         presence.SessionID
	RemotePeer peer.ID
	RemoteAddr multiaddr.Multiaddr
	Opened     time.Time
}

// Node runs the presence protocol over a libp2p host. Every libp2p
// connection is one session; the node implements SessionControl for the
// Handler and feeds it transport events through an EventLoop.
type Node struct {
	host   host.Host
	config *NodeConfig
	log    *zap.Logger
	loop   *EventLoop

	mu      sync.RWMutex
	conns   map[presence.SessionID]lpnet.Conn
	opened  map[presence.SessionID]time.Time
	started bool
	closed  bool
}

// NewNode creates a libp2p host listening as configured. The node does not
// process events until Start is called.
func NewNode(config *NodeConfig, logger *zap.Logger) (*Node, error) {
	if config == nil {
		config = DefaultNodeConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultNodeConfig().SendTimeout
	}

	listenAddrs := config.ListenAddrs
	if len(listenAddrs) == 0 {
		listenAddrs = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", config.Port)}
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if config.PrivateKey != nil {
		opts = append(opts, libp2p.Identity(config.PrivateKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	return &Node{
		host:   h,
		config: config,
		log:    logger.With(zap.Stringer("self", h.ID())),
		loop:   NewEventLoop(config.EventBuffer, logger),
		conns:  make(map[presence.SessionID]lpnet.Conn),
		opened: make(map[presence.SessionID]time.Time),
	}, nil
}

// Start attaches the protocol handler and begins delivering events to it.
// Connections that already exist are reported as connected first.
func (n *Node) Start(ctx context.Context, h *Handler) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return errors.New("node closed")
	}
	if n.started {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	n.started = true
	n.mu.Unlock()

	n.loop.Start(ctx, h)
	n.host.SetStreamHandler(protocol.ProtocolID, n.handleStream)
	n.host.Network().Notify(&lpnet.NotifyBundle{
		ConnectedF:    func(_ lpnet.Network, c lpnet.Conn) { n.connected(c) },
		DisconnectedF: func(_ lpnet.Network, c lpnet.Conn) { n.disconnected(c) },
	})
	// connected ignores connections the notifier has already reported.
	for _, c := range n.host.Network().Conns() {
		n.connected(c)
	}

	n.log.Info("presence node started", zap.Stringers("addrs", n.FullAddrs()))
	return nil
}

func (n *Node) connected(c lpnet.Conn) {
	session := presence.SessionID(c.ID())

	n.mu.Lock()
	if _, exists := n.conns[session]; exists || n.closed {
		n.mu.Unlock()
		return
	}
	n.conns[session] = c
	n.opened[session] = time.Now()
	n.mu.Unlock()

	n.loop.Deliver(Connected{
		Session:    session,
		RemoteAddr: c.RemoteMultiaddr().String(),
		RemotePeer: c.RemotePeer(),
	})
}

func (n *Node) disconnected(c lpnet.Conn) {
	session := presence.SessionID(c.ID())

	n.mu.Lock()
	_, exists := n.conns[session]
	delete(n.conns, session)
	delete(n.opened, session)
	n.mu.Unlock()

	if exists {
		n.loop.Deliver(Disconnected{Session: session})
	}
}

// handleStream reads one payload per inbound stream.
func (n *Node) handleStream(s lpnet.Stream) {
	defer s.Close()

	conn := s.Conn()
	if err := s.SetReadDeadline(time.Now().Add(n.config.SendTimeout)); err != nil {
		n.log.Debug("set read deadline", zap.Error(err))
	}
	data, err := io.ReadAll(io.LimitReader(s, protocol.MaxPayloadSize+1))
	if err != nil {
		n.log.Warn("read payload failed",
			zap.String("session", conn.ID()), zap.Stringer("peer", conn.RemotePeer()), zap.Error(err))
		s.Reset()
		return
	}

	n.loop.Deliver(Received{
		Session:    presence.SessionID(conn.ID()),
		RemotePeer: conn.RemotePeer(),
		Data:       data,
	})
}

// Bootstrap connects to a peer given its full multiaddr, including the
// /p2p/ component.
func (n *Node) Bootstrap(ctx context.Context, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid bootstrap address %q: %w", addr, err)
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("failed to parse peer info from %q: %w", addr, err)
	}

	if err := n.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("failed to connect to bootstrap peer %s: %w", info.ID, err)
	}

	n.log.Info("connected to bootstrap peer", zap.Stringer("peer", info.ID))
	return nil
}

// SendToSession implements SessionControl.
func (n *Node) SendToSession(ctx context.Context, session presence.SessionID, data []byte) error {
	n.mu.RLock()
	c, ok := n.conns[session]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, session)
	}
	return n.write(ctx, c, data)
}

// Broadcast implements SessionControl. Every open session gets one attempt;
// the errors of the failed ones are joined.
func (n *Node) Broadcast(ctx context.Context, data []byte) error {
	n.mu.RLock()
	conns := make([]lpnet.Conn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.RUnlock()

	var errs []error
	for _, c := range conns {
		if err := n.write(ctx, c, data); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", c.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// write opens a fresh stream on c, negotiates the presence protocol and
// writes data as the stream's only payload.
func (n *Node) write(ctx context.Context, c lpnet.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.config.SendTimeout)
	defer cancel()

	s, err := c.NewStream(ctx)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}

	if err := multistream.SelectProtoOrFail(protocol.ProtocolID, s); err != nil {
		s.Reset()
		return fmt.Errorf("failed to negotiate %s: %w", protocol.ProtocolID, err)
	}
	if err := s.SetProtocol(protocol.ProtocolID); err != nil {
		s.Reset()
		return fmt.Errorf("failed to set protocol: %w", err)
	}
	if _, err := s.Write(data); err != nil {
		s.Reset()
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return s.Close()
}

// LocalPeerID implements SessionControl.
func (n *Node) LocalPeerID() peer.ID {
	return n.host.ID()
}

// IsOpen reports whether session is a currently open connection.
func (n *Node) IsOpen(session presence.SessionID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.conns[session]
	return ok
}

// Sessions returns the open sessions ordered by ID.
func (n *Node) Sessions() []SessionInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]SessionInfo, 0, len(n.conns))
	for id, c := range n.conns {
		out = append(out, SessionInfo{
			ID:         id,
			RemotePeer: c.RemotePeer(),
			RemoteAddr: c.RemoteMultiaddr(),
			Opened:     n.opened[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Addresses returns the node's listen addresses
func (n *Node) Addresses() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// FullAddrs returns the listen addresses with this node's /p2p/ id
// appended, in the form Bootstrap accepts.
func (n *Node) FullAddrs() []multiaddr.Multiaddr {
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()})
	if err != nil {
		n.log.Warn("failed to build p2p addresses", zap.Error(err))
		return nil
	}
	return addrs
}

// Host returns the libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// Close stops event delivery and shuts the host down.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.loop.Stop()
	n.host.RemoveStreamHandler(protocol.ProtocolID)
	if err := n.host.Close(); err != nil {
		return fmt.Errorf("failed to close host: %w", err)
	}
	return nil
}
