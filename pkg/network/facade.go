package network

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ZentaChain/zentalk-presence/pkg/presence"
)

// ErrUnknownSession is returned when sending to a session that is not open.
var ErrUnknownSession = errors.New("unknown session")

// SessionControl is what the protocol handler needs from the transport.
// Implementations must be safe for concurrent use.
type SessionControl interface {
	// SendToSession writes one encoded payload to a single open session.
	SendToSession(ctx context.Context, session presence.SessionID, data []byte) error

	// Broadcast writes one encoded payload to every open session. It is
	// best effort: a failure on one session does not stop the others.
	Broadcast(ctx context.Context, data []byte) error

	// LocalPeerID returns this node's identity.
	LocalPeerID() peer.ID
}

// sessionChecker is implemented by transports that can tell whether a
// session is still open. The handler uses it to avoid binding identities to
// sessions that closed while their data was queued.
type sessionChecker interface {
	IsOpen(session presence.SessionID) bool
}
