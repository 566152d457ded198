// Package protocol implements the ZenTalk presence wire format.
//
// Two payload kinds travel between nodes:
//
//   - PeersAnnouncement: the sets of peers that became reachable or
//     unreachable from the sender's point of view.
//   - DirectedMessage: a one-shot text message addressed to a single peer.
//
// # Encoding
//
// Every payload is a JSON envelope with an explicit variant tag:
//
//	{"type":"peers_announcement","payload":{"reachable":["12D3Koo..."],"unreachable":[]}}
//	{"type":"directed_message","payload":{"recipient":"12D3Koo...","message":"hi"}}
//
// Peer ids are carried in their canonical base58 text form. Decode is strict:
// unknown tags, unknown fields, missing fields and trailing data are all
// rejected with an error wrapping ErrMalformed, so new variants can be added
// without old nodes silently misreading them.
//
// One payload is written per libp2p stream opened with ProtocolID.
package protocol
