package emitter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/expression-client/internal/types"
)

// Codec selects the wire encoding of published messages.
type Codec string

const (
	CodecJSON    Codec = "json"
	CodecMsgpack Codec = "msgpack"
)

// ParseCodec accepts "json" (default when empty) and "msgpack".
func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case "", CodecJSON:
		return CodecJSON, nil
	case CodecMsgpack:
		return CodecMsgpack, nil
	}
	return "", fmt.Errorf("emitter: unknown codec %q (want json or msgpack)", s)
}

// Encode marshals v. Both codecs use the json struct tags so consumers see
// the same field names either way.
func (c Codec) Encode(v any) ([]byte, error) {
	switch c {
	case CodecMsgpack:
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("emitter: msgpack encode: %w", err)
		}
		return buf.Bytes(), nil
	case CodecJSON, "":
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("emitter: json encode: %w", err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("emitter: unknown codec %q", string(c))
}

// DetectionMessage is published after every merged result.
type DetectionMessage struct {
	ClientID  string                `json:"client_id"`
	Mode      types.Mode            `json:"mode"`
	Result    types.DetectionResult `json:"result"`
	Timestamp time.Time             `json:"timestamp"`
}

// ConnectionMessage is published when backend reachability changes.
type ConnectionMessage struct {
	ClientID  string                `json:"client_id"`
	State     types.ConnectionState `json:"state"`
	Timestamp time.Time             `json:"timestamp"`
}
