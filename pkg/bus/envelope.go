package bus

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire shape of every published message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EncodeEnvelope wraps a payload in the standard envelope.
func EncodeEnvelope(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// DecodeEnvelope parses a consumed message back into its envelope. Unknown
// fields in the payload are preserved in Data for the handler to ignore.
func DecodeEnvelope(value []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("malformed event envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("event envelope missing event name")
	}
	return &env, nil
}
