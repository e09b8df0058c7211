// Package wire is the binary codec for messages exchanged between ceremony
// participants. Envelopes and stage payloads are encoded with msgpack.
//
// Stage payloads carry points and scalars as raw fixed-width bytes; the
// stages decode them into group elements and reject malformed encodings.
package wire

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/f3rmion/multisig/ceremony"
)

// MaxMessageSize bounds the size of an encoded envelope.
const MaxMessageSize = 4 << 20

var (
	// ErrUnknownKind is returned when an envelope names neither keygen
	// nor signing.
	ErrUnknownKind = errors.New("unknown ceremony kind")
	// ErrMessageTooLarge is returned for envelopes above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)

// Message is the envelope of every peer message. The sender is not part of
// the message; the transport authenticates it.
type Message struct {
	CeremonyID ceremony.CeremonyID `msgpack:"ceremony_id"`
	Kind       ceremony.Kind       `msgpack:"kind"`
	Stage      uint8               `msgpack:"stage"`
	Payload    msgpack.RawMessage  `msgpack:"payload"`
}

// Outgoing is an encoded message addressed to a set of peers.
type Outgoing struct {
	Recipients []ceremony.AccountID
	Data       []byte
}

// Marshal encodes v with sorted string map keys. Values compared by their
// encoding must not contain maps with other key types.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "msgpack encode")
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "msgpack decode")
	}
	return nil
}

// NewMessage encodes payload into an envelope.
func NewMessage(id ceremony.CeremonyID, kind ceremony.Kind, stage uint8, payload interface{}) (*Message, error) {
	data, err := Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{CeremonyID: id, Kind: kind, Stage: stage, Payload: data}, nil
}

// Encode serializes an envelope.
func Encode(m *Message) ([]byte, error) {
	return Marshal(m)
}

// Decode parses an envelope and checks its kind. The payload is left
// encoded for the receiving stage.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	var m Message
	if err := Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if !m.Kind.Valid() {
		return nil, errors.Wrapf(ErrUnknownKind, "kind %d", m.Kind)
	}
	return &m, nil
}
