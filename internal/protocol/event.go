// Package protocol implements the line-framed event protocol spoken between
// the orchestrator and the server: one JSON header line per event, followed
// by exactly payload_length raw bytes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is an event type tag.
type Type string

const (
	TypeTranscribe Type = "transcribe"
	TypeAudioStart Type = "audio-start"
	TypeAudioChunk Type = "audio-chunk"
	TypeAudioStop  Type = "audio-stop"
	TypeTranscript Type = "transcript"
	TypeSynthesize Type = "synthesize"
	TypeError      Type = "error"
	TypeDescribe   Type = "describe"
	TypeInfo       Type = "info"
)

// Types lists the full event catalogue.
var Types = []Type{
	TypeTranscribe,
	TypeAudioStart,
	TypeAudioChunk,
	TypeAudioStop,
	TypeTranscript,
	TypeSynthesize,
	TypeError,
	TypeDescribe,
	TypeInfo,
}

// Known reports whether t belongs to the catalogue.
func (t Type) Known() bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

// Event is the unit of wire communication. Data holds the event-specific
// JSON object (nil when absent); Payload is the optional binary body.
type Event struct {
	Type    Type
	Data    json.RawMessage
	Payload []byte
}

// FramingError means the byte stream can no longer be parsed reliably.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing error: %s: %v", e.Reason, e.Err)
	}
	return "framing error: " + e.Reason
}

func (e *FramingError) Unwrap() error { return e.Err }

// IsFraming reports whether err is (or wraps) a FramingError.
func IsFraming(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}
