package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrMalformed is wrapped by every error returned from Decode.
var ErrMalformed = errors.New("malformed payload")

// Payload is one of *PeersAnnouncement or *DirectedMessage.
type Payload interface {
	Kind() Kind
	isPayload()
}

// PeersAnnouncement tells the receiver which peers the sender can now reach
// and which it can no longer reach.
type PeersAnnouncement struct {
	Reachable   []string `json:"reachable"`
	Unreachable []string `json:"unreachable"`
}

// Kind implements Payload.
func (*PeersAnnouncement) Kind() Kind { return KindPeersAnnouncement }
func (*PeersAnnouncement) isPayload() {}

// DirectedMessage is a text message addressed to a single peer.
type DirectedMessage struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// Kind implements Payload.
func (*DirectedMessage) Kind() Kind { return KindDirectedMessage }
func (*DirectedMessage) isPayload() {}

// NewPeersAnnouncement builds an announcement from typed peer ids. Nil inputs
// produce empty, non-nil lists.
func NewPeersAnnouncement(reachable, unreachable []peer.ID) *PeersAnnouncement {
	return &PeersAnnouncement{
		Reachable:   peerStrings(reachable),
		Unreachable: peerStrings(unreachable),
	}
}

func peerStrings(ids []peer.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// PeerIDs parses the textual peer ids of an announcement field.
func PeerIDs(ids []string) ([]peer.ID, error) {
	out := make([]peer.ID, 0, len(ids))
	for _, s := range ids {
		id, err := peer.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid peer id %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// envelope is the outer wire object shared by all payload kinds.
type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Wire forms use pointers so that absent and null fields can be told apart
// from empty ones.
type wireAnnouncement struct {
	Reachable   *[]string `json:"reachable"`
	Unreachable *[]string `json:"unreachable"`
}

type wireDirected struct {
	Recipient *string `json:"recipient"`
	Message   *string `json:"message"`
}

// Encode serializes p into its JSON envelope.
func Encode(p Payload) ([]byte, error) {
	var body any
	switch v := p.(type) {
	case *PeersAnnouncement:
		if v == nil {
			return nil, errors.New("encode: nil peers announcement")
		}
		reachable, unreachable := v.Reachable, v.Unreachable
		if reachable == nil {
			reachable = []string{}
		}
		if unreachable == nil {
			unreachable = []string{}
		}
		body = PeersAnnouncement{Reachable: reachable, Unreachable: unreachable}
	case *DirectedMessage:
		if v == nil {
			return nil, errors.New("encode: nil directed message")
		}
		body = *v
	case nil:
		return nil, errors.New("encode: nil payload")
	default:
		return nil, fmt.Errorf("encode: unsupported payload %T", p)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	data, err := json.Marshal(envelope{Type: p.Kind(), Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	return data, nil
}

// Decode parses an encoded payload. Any failure wraps ErrMalformed.
func Decode(data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMalformed, len(data), MaxPayloadSize)
	}

	var env envelope
	if err := strictUnmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return nil, fmt.Errorf("%w: missing payload for %s", ErrMalformed, env.Type)
	}

	switch env.Type {
	case KindPeersAnnouncement:
		var w wireAnnouncement
		if err := strictUnmarshal(env.Payload, &w); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		if w.Reachable == nil || w.Unreachable == nil {
			return nil, fmt.Errorf("%w: %s: reachable and unreachable are required", ErrMalformed, env.Type)
		}
		return &PeersAnnouncement{Reachable: *w.Reachable, Unreachable: *w.Unreachable}, nil

	case KindDirectedMessage:
		var w wireDirected
		if err := strictUnmarshal(env.Payload, &w); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		if w.Recipient == nil || w.Message == nil {
			return nil, fmt.Errorf("%w: %s: recipient and message are required", ErrMalformed, env.Type)
		}
		return &DirectedMessage{Recipient: *w.Recipient, Message: *w.Message}, nil
	}

	// Unreachable while Kind.Valid and this switch agree.
	return nil, fmt.Errorf("%w: unhandled type %q", ErrMalformed, env.Type)
}

// strictUnmarshal decodes exactly one JSON value into v, rejecting unknown
// fields and trailing data.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after value")
	}
	return nil
}
