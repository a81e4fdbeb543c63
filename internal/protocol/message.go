package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"voicegate/internal/audio"
)

// ErrUnknownType is returned by Parse for type tags outside the catalogue.
var ErrUnknownType = errors.New("unknown event type")

// InvalidEventError reports a well-framed event whose data fields are
// missing, mistyped or out of range.
type InvalidEventError struct {
	Type Type
	Err  error
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid %s event: %v", e.Type, e.Err)
}

func (e *InvalidEventError) Unwrap() error { return e.Err }

// Message is the closed set of typed events. Every catalogue entry has
// exactly one implementation below.
type Message interface {
	Type() Type
	Event() (Event, error)
	isMessage()
}

type Transcribe struct {
	Language string `json:"language,omitempty"`
	Model    string `json:"model,omitempty"`
}

type AudioStart struct {
	audio.Format
}

type AudioChunk struct {
	audio.Format
	Audio []byte `json:"-"`
}

type AudioStop struct{}

type Transcript struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type Synthesize struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Describe struct{}

// Info answers Describe with the capabilities this endpoint serves.
type Info struct {
	ASR []Program `json:"asr,omitempty"`
	TTS []Program `json:"tts,omitempty"`
}

type Program struct {
	Name      string `json:"name"`
	Backend   string `json:"backend"`
	Installed bool   `json:"installed"`
}

func (Transcribe) Type() Type { return TypeTranscribe }
func (AudioStart) Type() Type { return TypeAudioStart }
func (AudioChunk) Type() Type { return TypeAudioChunk }
func (AudioStop) Type() Type  { return TypeAudioStop }
func (Transcript) Type() Type { return TypeTranscript }
func (Synthesize) Type() Type { return TypeSynthesize }
func (ErrorEvent) Type() Type { return TypeError }
func (Describe) Type() Type   { return TypeDescribe }
func (Info) Type() Type       { return TypeInfo }

func (m Transcribe) Event() (Event, error) { return dataEvent(m.Type(), m, nil) }
func (m AudioStart) Event() (Event, error) { return dataEvent(m.Type(), m, nil) }
func (m AudioChunk) Event() (Event, error) { return dataEvent(m.Type(), m, m.Audio) }
func (m AudioStop) Event() (Event, error)  { return Event{Type: m.Type()}, nil }
func (m Transcript) Event() (Event, error) { return dataEvent(m.Type(), m, nil) }
func (m Synthesize) Event() (Event, error) { return dataEvent(m.Type(), m, nil) }
func (m ErrorEvent) Event() (Event, error) { return dataEvent(m.Type(), m, nil) }
func (m Describe) Event() (Event, error)   { return Event{Type: m.Type()}, nil }
func (m Info) Event() (Event, error)       { return dataEvent(m.Type(), m, nil) }

func (Transcribe) isMessage() {}
func (AudioStart) isMessage() {}
func (AudioChunk) isMessage() {}
func (AudioStop) isMessage()  {}
func (Transcript) isMessage() {}
func (Synthesize) isMessage() {}
func (ErrorEvent) isMessage() {}
func (Describe) isMessage()   {}
func (Info) isMessage()       {}

func dataEvent(t Type, v any, payload []byte) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s data: %w", t, err)
	}
	return Event{Type: t, Data: data, Payload: payload}, nil
}

// Parse turns a framed event into its typed message.
func Parse(ev Event) (Message, error) {
	switch ev.Type {
	case TypeTranscribe:
		return parseAs[Transcribe](ev)
	case TypeAudioStart:
		var m AudioStart
		if err := decodeData(ev, &m); err != nil {
			return nil, err
		}
		if err := m.Format.Validate(); err != nil {
			return nil, &InvalidEventError{Type: ev.Type, Err: err}
		}
		return m, nil
	case TypeAudioChunk:
		var m AudioChunk
		if err := decodeData(ev, &m); err != nil {
			return nil, err
		}
		m.Audio = ev.Payload
		return m, nil
	case TypeAudioStop:
		return AudioStop{}, nil
	case TypeTranscript:
		return parseAs[Transcript](ev)
	case TypeSynthesize:
		var m Synthesize
		if err := decodeData(ev, &m); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.Text) == "" {
			return nil, &InvalidEventError{Type: ev.Type, Err: errors.New("text is required")}
		}
		return m, nil
	case TypeError:
		return parseAs[ErrorEvent](ev)
	case TypeDescribe:
		return Describe{}, nil
	case TypeInfo:
		return parseAs[Info](ev)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, ev.Type)
	}
}

func parseAs[T Message](ev Event) (Message, error) {
	var m T
	if err := decodeData(ev, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeData(ev Event, v any) error {
	if len(ev.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return &InvalidEventError{Type: ev.Type, Err: err}
	}
	return nil
}

// UnmarshalJSON accepts voice either as a plain name or as an object with a
// name field.
func (m *Synthesize) UnmarshalJSON(b []byte) error {
	var raw struct {
		Text  string          `json:"text"`
		Voice json.RawMessage `json:"voice"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Text = raw.Text
	m.Voice = ""
	if len(raw.Voice) == 0 || string(raw.Voice) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw.Voice, &m.Voice); err == nil {
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw.Voice, &obj); err != nil {
		return fmt.Errorf("voice must be a string or an object with a name: %w", err)
	}
	m.Voice = obj.Name
	return nil
}
