// Package protocol defines the messages exchanged between the isolated
// components of the pipeline (page, bridge, relay, coordinator, mixer) and
// the bounded ports and in-page buses that carry them.
//
// Every boundary parses and validates what it receives. Anything that fails
// is dropped with a [DropReason] instead of being propagated.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/tabvoice/pkg/audio"
)

// Kind tags a [ControlMessage].
type Kind string

const (
	KindStartCapture Kind = "start_capture"
	KindStopCapture  Kind = "stop_capture"
	KindPCM16        Kind = "pcm16"
	KindStatus       Kind = "status"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStartCapture, KindStopCapture, KindPCM16, KindStatus:
		return true
	}
	return false
}

// ControlMessage is the closed union of control messages. Exactly the fields
// belonging to Kind are meaningful.
type ControlMessage struct {
	Kind     Kind          `json:"type"`
	TargetID string        `json:"target_id,omitempty"`
	Buffer   []byte        `json:"buffer,omitempty"`
	Status   *audio.Status `json:"payload,omitempty"`
}

// StartCapture returns a start_capture message for targetID.
func StartCapture(targetID string) ControlMessage {
	return ControlMessage{Kind: KindStartCapture, TargetID: targetID}
}

// StopCapture returns a stop_capture message.
func StopCapture() ControlMessage {
	return ControlMessage{Kind: KindStopCapture}
}

// PCM16 returns a pcm16 message carrying buf. Ownership of buf moves to the
// message.
func PCM16(buf []byte) ControlMessage {
	return ControlMessage{Kind: KindPCM16, Buffer: buf}
}

// StatusMessage returns a status message for st.
func StatusMessage(st audio.Status) ControlMessage {
	return ControlMessage{Kind: KindStatus, Status: &st}
}

// IsControl reports whether m requests a capture state change.
func (m ControlMessage) IsControl() bool {
	return m.Kind == KindStartCapture || m.Kind == KindStopCapture
}

// Validate checks that m is well formed. The returned error is a
// [*DropError].
func (m ControlMessage) Validate() error {
	switch m.Kind {
	case KindStartCapture:
		if m.TargetID == "" {
			return Drop(ReasonMalformed, "start_capture without target_id")
		}
	case KindStopCapture:
	case KindPCM16:
		if len(m.Buffer) == 0 {
			return Drop(ReasonMalformed, "empty pcm16 buffer")
		}
		if len(m.Buffer)%2 != 0 {
			return Drop(ReasonMalformed, "pcm16 buffer has odd length %d", len(m.Buffer))
		}
	case KindStatus:
		if m.Status == nil {
			return Drop(ReasonMalformed, "status without payload")
		}
	default:
		return Drop(ReasonUnknownKind, "kind %q", m.Kind)
	}
	return nil
}

// String returns a short description for logs.
func (m ControlMessage) String() string {
	switch m.Kind {
	case KindStartCapture:
		return fmt.Sprintf("start_capture(%s)", m.TargetID)
	case KindPCM16:
		return fmt.Sprintf("pcm16(%d bytes)", len(m.Buffer))
	case KindStatus:
		if m.Status != nil {
			return fmt.Sprintf("status(capturing=%t)", m.Status.Capturing)
		}
	}
	return string(m.Kind)
}

// ParseControlMessage decodes and validates a JSON control message.
func ParseControlMessage(data []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ControlMessage{}, &DropError{Reason: ReasonMalformed, Err: err}
	}
	if err := m.Validate(); err != nil {
		return ControlMessage{}, err
	}
	return m, nil
}
