package job

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/joblet/joblet/internal/serialization"
	"google.golang.org/protobuf/proto"
)

// DefaultSerializer is the format-detecting serializer used when an
// argument opts into protobuf encoding instead of plain JSON.
var DefaultSerializer = serialization.NewProtobufSerializer()

// NewEnvelopeWithProtoArg builds a single-argument envelope whose one
// positional argument is a protobuf message. The wire `args` array stays
// canonical JSON: the protobuf bytes are format-prefixed (see
// internal/serialization) then base64-encoded into a JSON string element,
// so an envelope carrying a protobuf arg is byte-for-byte a normal JSON
// envelope to anything that doesn't care to decode that one argument.
func NewEnvelopeWithProtoArg(class string, msg proto.Message, queue string) (*Envelope, error) {
	data, err := DefaultSerializer.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("job: failed to serialize protobuf arg: %w", err)
	}

	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return nil, fmt.Errorf("job: failed to encode protobuf arg: %w", err)
	}

	e, err := NewEnvelope(class, nil, queue)
	if err != nil {
		return nil, err
	}
	e.Args = []json.RawMessage{encoded}
	return e, nil
}

// UnmarshalArgProto decodes the argument at index as a protobuf message
// previously packed with NewEnvelopeWithProtoArg.
func (e *Envelope) UnmarshalArgProto(index int, msg proto.Message) error {
	if index < 0 || index >= len(e.Args) {
		return fmt.Errorf("job: arg index %d out of range (have %d args)", index, len(e.Args))
	}

	var encoded string
	if err := json.Unmarshal(e.Args[index], &encoded); err != nil {
		return fmt.Errorf("job: arg %d is not a protobuf-encoded string: %w", index, err)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("job: arg %d failed base64 decode: %w", index, err)
	}

	return DefaultSerializer.Unmarshal(data, msg)
}

// UnmarshalArg decodes the plain-JSON argument at index into v.
func (e *Envelope) UnmarshalArg(index int, v interface{}) error {
	if index < 0 || index >= len(e.Args) {
		return fmt.Errorf("job: arg index %d out of range (have %d args)", index, len(e.Args))
	}
	if err := json.Unmarshal(e.Args[index], v); err != nil {
		return fmt.Errorf("job: failed to unmarshal arg %d: %w", index, err)
	}
	return nil
}
