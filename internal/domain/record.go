// Package domain holds the types shared between the instrumented host
// process and the management side of the bridge.
package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// ErrorRecord is one error captured inside the instrumented host process.
type ErrorRecord struct {
	ID         string    `json:"id"`              // content hash, assigned at capture time
	App        string    `json:"app"`             // host process / package identifier
	Tag        string    `json:"tag,omitempty"`   // subsystem tag the error was raised under
	Message    string    `json:"message"`
	Stack      string    `json:"stack,omitempty"`
	Count      int       `json:"count,omitempty"` // occurrences folded into this record
	CapturedAt time.Time `json:"capturedAt"`
}

// Fingerprint derives the record's identity key from its content. Repeated
// captures of the same error in the same app fold into one stored record.
func (r ErrorRecord) Fingerprint() string {
	h := sha1.New()
	h.Write([]byte(r.App))
	h.Write([]byte{0})
	h.Write([]byte(r.Tag))
	h.Write([]byte{0})
	h.Write([]byte(r.Message))
	return hex.EncodeToString(h.Sum(nil))
}
