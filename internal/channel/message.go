// Package channel implements the cross-process service bus: named calls with
// a single response and named streams a peer can listen to, carried as JSON
// frames over a pluggable Transport.
package channel

import (
	"bytes"
	"encoding/json"
	"fmt"

	xerrors "wallhost/internal/errors"
)

// Kind tags a wire message.
type Kind string

const (
	KindCall    Kind = "call"
	KindReply   Kind = "reply"
	KindListen  Kind = "listen"
	KindEmit    Kind = "emit"
	KindDispose Kind = "dispose"
	KindEnd     Kind = "end"
)

// ErrRemoteCallFailed matches, through errors.Is, every failed Call.
var ErrRemoteCallFailed = xerrors.New(xerrors.CodeRemoteCallFailed, "")

// Message is one frame on the wire. ID is the correlation id of a call and
// its reply, or the subscription id of a listen and everything that follows it.
type Message struct {
	Kind    Kind            `json:"kind"`
	Event   string          `json:"event,omitempty"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// RemoteError describes why the serving side rejected a call.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validate rejects frames that do not fit the shape of their kind.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%s message without id", m.Kind)
	}
	switch m.Kind {
	case KindCall, KindListen:
		if m.Event == "" {
			return fmt.Errorf("%s message without event", m.Kind)
		}
	case KindReply, KindEmit, KindDispose, KindEnd:
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	if m.Error != nil && m.Kind != KindReply && m.Kind != KindEnd {
		return fmt.Errorf("%s message cannot carry an error", m.Kind)
	}
	return nil
}

// DecodeMessage parses and validates one frame. Unknown fields are rejected.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode channel message")
	}
	if err := m.Validate(); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid channel message")
	}
	return m, nil
}

// EncodeMessage validates and serialises one frame.
func EncodeMessage(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid channel message")
	}
	return json.Marshal(m)
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if json.Valid(p) {
			return p, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode payload")
	}
	return raw, nil
}

func remoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	code := xerrors.CodeOf(err)
	if e, ok := xerrors.From(err); ok && code != xerrors.CodeUnknown {
		return &RemoteError{Code: string(code), Message: e.Message()}
	}
	return &RemoteError{Code: string(xerrors.CodeRemoteCallFailed), Message: err.Error()}
}
