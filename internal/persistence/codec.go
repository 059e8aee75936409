package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/petrijr/sagaflow/pkg/api"
)

func init() {
	gob.Register(api.TimeoutPayload{})
}

// RegisterStateType registers a user state type with the gob codec so
// snapshots holding it can round-trip through a store. Call it once per
// concrete state type, typically from an init function.
func RegisterStateType(v any) {
	gob.Register(v)
}

// EncodeState serializes a flow state using encoding/gob. The concrete
// type must have been registered with RegisterStateType.
func EncodeState(s api.State) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	// Encode through the interface so decoding can recover the concrete
	// registered type.
	iv := s
	if err := enc.Encode(&iv); err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeState is the inverse of EncodeState.
func DecodeState(data []byte) (api.State, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := gob.NewDecoder(bytes.NewReader(data))
	var iv api.State
	if err := dec.Decode(&iv); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return iv, nil
}
