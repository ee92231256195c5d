// Package wire defines the envelope exchanged over the broadcast transport
// and its JSON encoding. Payload shapes are fixed per action by the
// protocol contract; the constructor rejects anything outside the union.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"errbridge/internal/domain"
)

// Envelope is the unit exchanged between the two ends. Action identifies
// the operation or reply kind; Key names the payload slot when a payload
// accompanies the envelope.
type Envelope struct {
	Action  string          `json:"action"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrNoAction marks a datagram with a blank or missing action. Receivers
// drop these silently: they are malformed or unrelated broadcasts.
var ErrNoAction = errors.New("wire: envelope has no action")

// New builds an envelope carrying payload under key. The payload must be a
// string, int, bool, ErrorRecord, or []ErrorRecord; anything else is a
// protocol violation and panics. Pass a nil payload and empty key for
// payloadless envelopes (acknowledgements).
func New(action, key string, payload any) Envelope {
	env := Envelope{Action: action}
	if payload == nil {
		return env
	}
	switch payload.(type) {
	case string, int, int64, bool, domain.ErrorRecord, []domain.ErrorRecord:
	default:
		panic(fmt.Sprintf("wire: unsupported payload type %T for action %q", payload, action))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("wire: cannot marshal payload for action %q: %v", action, err))
	}
	env.Key = key
	env.Payload = raw
	return env
}

// Encode serializes the envelope for the transport.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope %q: %w", e.Action, err)
	}
	return data, nil
}

// Decode parses one datagram into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if env.Action == "" {
		return Envelope{}, ErrNoAction
	}
	return env, nil
}

// Bool decodes the payload as a boolean.
func (e Envelope) Bool() (bool, error) {
	var v bool
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return false, fmt.Errorf("wire: payload of %q is not a bool: %w", e.Action, err)
	}
	return v, nil
}

// Record decodes the payload as a single error record.
func (e Envelope) Record() (domain.ErrorRecord, error) {
	var rec domain.ErrorRecord
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		return domain.ErrorRecord{}, fmt.Errorf("wire: payload of %q is not a record: %w", e.Action, err)
	}
	return rec, nil
}

// Records decodes the payload as a sequence of error records.
func (e Envelope) Records() ([]domain.ErrorRecord, error) {
	var recs []domain.ErrorRecord
	if err := json.Unmarshal(e.Payload, &recs); err != nil {
		return nil, fmt.Errorf("wire: payload of %q is not a record list: %w", e.Action, err)
	}
	return recs, nil
}
