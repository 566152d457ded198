package protocol

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ProtocolID identifies the presence protocol on libp2p streams.
const ProtocolID = protocol.ID("/zentalk/presence/1.0.0")

// MaxPayloadSize bounds a single encoded payload. Larger inputs are rejected
// by Decode and truncated by stream readers.
const MaxPayloadSize = 1 << 20

// Kind is the variant tag carried in every encoded payload.
type Kind string

// Payload kinds
const (
	KindPeersAnnouncement Kind = "peers_announcement"
	KindDirectedMessage   Kind = "directed_message"
)

// Valid reports whether k names a known payload variant.
func (k Kind) Valid() bool {
	switch k {
	case KindPeersAnnouncement, KindDirectedMessage:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }
