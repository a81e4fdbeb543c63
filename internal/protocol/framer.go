package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	DefaultMaxHeaderBytes  = 64 << 10
	DefaultMaxPayloadBytes = 4 << 20
)

// header is the JSON line preceding each event. data_length and version
// are accepted for compatibility with peers that send event data as a
// separate block after the header.
type header struct {
	Type          Type            `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	DataLength    *int            `json:"data_length,omitempty"`
	PayloadLength *int            `json:"payload_length"`
	Version       string          `json:"version,omitempty"`
}

// Limits bounds what a Reader accepts from the wire.
type Limits struct {
	MaxHeaderBytes  int
	MaxPayloadBytes int
}

func (l Limits) withDefaults() Limits {
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if l.MaxPayloadBytes <= 0 {
		l.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return l
}

// Reader decodes events from a byte stream. Partial reads are buffered until
// a full header line and the full payload are available.
type Reader struct {
	br     *bufio.Reader
	limits Limits
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{br: bufio.NewReader(r), limits: limits.withDefaults()}
}

// ReadEvent returns the next complete event. A clean end of stream between
// events yields io.EOF; anything malformed yields a *FramingError.
func (r *Reader) ReadEvent() (Event, error) {
	line, err := r.readLine()
	if err != nil {
		return Event{}, err
	}

	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return Event{}, &FramingError{Reason: "invalid header", Err: err}
	}
	if h.Type == "" {
		return Event{}, &FramingError{Reason: "header has no type"}
	}
	if len(h.Data) > 0 && !isObject(h.Data) {
		return Event{}, &FramingError{Reason: "data is not an object"}
	}

	ev := Event{Type: h.Type, Data: nullToNil(h.Data)}

	if h.DataLength != nil && *h.DataLength > 0 {
		n := *h.DataLength
		if n > r.limits.MaxHeaderBytes {
			return Event{}, &FramingError{Reason: fmt.Sprintf("data length %d exceeds limit", n)}
		}
		block := make([]byte, n)
		if _, err := io.ReadFull(r.br, block); err != nil {
			return Event{}, &FramingError{Reason: "stream ended inside data block", Err: err}
		}
		merged, err := mergeData(ev.Data, block)
		if err != nil {
			return Event{}, &FramingError{Reason: "invalid data block", Err: err}
		}
		ev.Data = merged
	} else if h.DataLength != nil && *h.DataLength < 0 {
		return Event{}, &FramingError{Reason: fmt.Sprintf("negative data length %d", *h.DataLength)}
	}

	if h.PayloadLength != nil {
		n := *h.PayloadLength
		switch {
		case n < 0:
			return Event{}, &FramingError{Reason: fmt.Sprintf("negative payload length %d", n)}
		case n > r.limits.MaxPayloadBytes:
			return Event{}, &FramingError{Reason: fmt.Sprintf("payload length %d exceeds limit %d", n, r.limits.MaxPayloadBytes)}
		case n > 0:
			ev.Payload = make([]byte, n)
			if _, err := io.ReadFull(r.br, ev.Payload); err != nil {
				return Event{}, &FramingError{Reason: "stream ended inside payload", Err: err}
			}
		}
	}
	return ev, nil
}

// readLine reads one newline-terminated header line, skipping blank lines.
func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > r.limits.MaxHeaderBytes+1 {
			return nil, &FramingError{Reason: fmt.Sprintf("header line exceeds %d bytes", r.limits.MaxHeaderBytes)}
		}
		switch {
		case err == nil:
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) == 0 {
				line = line[:0]
				continue
			}
			return trimmed, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			return nil, &FramingError{Reason: "stream ended inside header", Err: io.ErrUnexpectedEOF}
		default:
			return nil, err
		}
	}
}

// Encode serializes ev as a header line immediately followed by its payload.
func Encode(ev Event) ([]byte, error) {
	h := header{Type: ev.Type, Data: ev.Data}
	if len(ev.Payload) > 0 {
		n := len(ev.Payload)
		h.PayloadLength = &n
	}
	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode %s header: %w", ev.Type, err)
	}
	out := make([]byte, 0, len(line)+1+len(ev.Payload))
	out = append(out, line...)
	out = append(out, '\n')
	out = append(out, ev.Payload...)
	return out, nil
}

// Writer encodes events onto a stream. Each event is handed to the
// underlying writer in a single Write call; concurrent use is safe.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (w *Writer) WriteEvent(ev Event) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(b)
	return err
}

// WriteMessage encodes a typed message.
func (w *Writer) WriteMessage(m Message) error {
	ev, err := m.Event()
	if err != nil {
		return err
	}
	return w.WriteEvent(ev)
}

func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return bytes.Equal(t, []byte("null")) || (len(t) > 0 && t[0] == '{')
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

func mergeData(inline json.RawMessage, block []byte) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(inline) > 0 {
		if err := json.Unmarshal(inline, &fields); err != nil {
			return nil, err
		}
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(block, &extra); err != nil {
		return nil, err
	}
	for k, v := range extra {
		fields[k] = v
	}
	return json.Marshal(fields)
}
