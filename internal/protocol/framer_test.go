package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestEncodeHeaderThenPayload(t *testing.T) {
	b, err := Encode(Event{Type: TypeAudioChunk, Data: []byte(`{"rate":16000}`), Payload: []byte("abc")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"type":"audio-chunk","data":{"rate":16000},"payload_length":3}` + "\nabc"
	if string(b) != want {
		t.Fatalf("got %q\nwant %q", b, want)
	}

	b, _ = Encode(Event{Type: TypeAudioStop})
	if string(b) != `{"type":"audio-stop","payload_length":null}`+"\n" {
		t.Fatalf("unexpected encoding without payload: %q", b)
	}
}

func TestReaderRoundTripSurvivesPartialReads(t *testing.T) {
	var stream bytes.Buffer
	w := NewWriter(&stream)
	events := []Message{
		Transcribe{Language: "en"},
		AudioStart{Format: ingress()},
		AudioChunk{Format: ingress(), Audio: bytes.Repeat([]byte{7}, 5000)},
		AudioStop{},
	}
	for _, m := range events {
		if err := w.WriteMessage(m); err != nil {
			t.Fatalf("write %s: %v", m.Type(), err)
		}
	}

	r := NewReader(iotest.OneByteReader(&stream), Limits{})
	for _, want := range events {
		ev, err := r.ReadEvent()
		if err != nil {
			t.Fatalf("read %s: %v", want.Type(), err)
		}
		if ev.Type != want.Type() {
			t.Fatalf("want %s, got %s", want.Type(), ev.Type)
		}
		if chunk, ok := want.(AudioChunk); ok && !bytes.Equal(ev.Payload, chunk.Audio) {
			t.Fatalf("payload mismatch: %d bytes", len(ev.Payload))
		}
	}
	if _, err := r.ReadEvent(); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF at clean end, got %v", err)
	}
}

func TestReaderFramingErrors(t *testing.T) {
	cases := map[string]string{
		"invalid json":        "{not json}\n",
		"not an object":       "[1,2]\n",
		"missing type":        `{"data":{}}` + "\n",
		"negative length":     `{"type":"audio-chunk","payload_length":-1}` + "\n",
		"absurd length":       `{"type":"audio-chunk","payload_length":999999999}` + "\n",
		"fractional length":   `{"type":"audio-chunk","payload_length":1.5}` + "\n",
		"short payload":       `{"type":"audio-chunk","payload_length":10}` + "\nabc",
		"truncated header":    `{"type":"audio-stop"`,
		"data not object":     `{"type":"transcribe","data":"en"}` + "\n",
		"short data block":    `{"type":"transcribe","data_length":20}` + "\n{}",
		"negative data block": `{"type":"transcribe","data_length":-2}` + "\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewReader(strings.NewReader(input), Limits{MaxPayloadBytes: 1 << 20})
			_, err := r.ReadEvent()
			if !IsFraming(err) {
				t.Fatalf("want FramingError, got %v", err)
			}
		})
	}
}

func TestReaderHeaderLimit(t *testing.T) {
	long := `{"type":"transcribe","data":{"language":"` + strings.Repeat("x", 200) + `"}}` + "\n"
	r := NewReader(strings.NewReader(long), Limits{MaxHeaderBytes: 64})
	if _, err := r.ReadEvent(); !IsFraming(err) {
		t.Fatalf("want FramingError for oversized header, got %v", err)
	}
}

func TestReaderMergesDataBlock(t *testing.T) {
	data := `{"rate":16000,"width":2,"channels":1}`
	input := `{"type":"audio-start","version":"1.5.0","data_length":` + itoa(len(data)) + "}\n" + data
	r := NewReader(strings.NewReader(input), Limits{})
	ev, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m, err := Parse(ev)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	start, ok := m.(AudioStart)
	if !ok || start.Format != ingress() {
		t.Fatalf("unexpected message %#v", m)
	}
}

func TestReaderSkipsBlankLinesAndZeroPayload(t *testing.T) {
	input := "\n\n" + `{"type":"audio-stop","payload_length":0}` + "\n"
	r := NewReader(strings.NewReader(input), Limits{})
	ev, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != TypeAudioStop || ev.Payload != nil {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func itoa(n int) string {
	var b [20]byte
	i := len(b)
	for {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			return string(b[i:])
		}
	}
}
