package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// RequestIDSize is the size of the request id that leads an envelope.
const RequestIDSize = 16

// EncodeEnvelope prefixes the encoded message with its request id.
// The response to a request carries the same id.
func EncodeEnvelope(id uuid.UUID, m Message) []byte {
	b := NewBuffer(64)
	b.WriteRaw(id[:])
	b.WriteInt32(int32(m.Type()))
	m.marshalBody(b)
	return b.Bytes()
}

// DecodeEnvelope splits an envelope into its request id and message.
func DecodeEnvelope(data []byte) (uuid.UUID, Message, error) {
	id, tag, err := PeekEnvelope(data)
	if err != nil {
		return uuid.Nil, nil, err
	}
	r := NewReader(data[RequestIDSize+4:])
	m, err := unmarshalTagged(tag, r)
	if err != nil {
		return id, nil, err
	}
	return id, m, nil
}

// PeekEnvelope returns the request id and tag without decoding the body.
func PeekEnvelope(data []byte) (uuid.UUID, MessageType, error) {
	if len(data) < RequestIDSize+4 {
		return uuid.Nil, 0, fmt.Errorf("%w: envelope too short (%d bytes)", ErrInvalidFrame, len(data))
	}
	id, err := uuid.FromBytes(data[:RequestIDSize])
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	r := NewReader(data[RequestIDSize:])
	return id, MessageType(r.Int32()), nil
}
