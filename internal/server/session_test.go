package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voicegate/internal/audio"
	"voicegate/internal/engine"
	"voicegate/internal/gateway"
	"voicegate/internal/protocol"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type sttFunc func(ctx context.Context, utt audio.Utterance, language string) (string, error)

func (f sttFunc) Transcribe(ctx context.Context, utt audio.Utterance, language string) (string, error) {
	return f(ctx, utt, language)
}

type ttsFunc func(ctx context.Context, text, voice string) (engine.FrameStream, error)

func (f ttsFunc) Synthesize(ctx context.Context, text, voice string) (engine.FrameStream, error) {
	return f(ctx, text, voice)
}

// recordingSTT counts calls and can hold each one until released.
type recordingSTT struct {
	calls   atomic.Int32
	started chan string
	release chan struct{}

	mu    sync.Mutex
	audio [][]byte
}

func newRecordingSTT(gated bool) *recordingSTT {
	r := &recordingSTT{started: make(chan string, 16)}
	if gated {
		r.release = make(chan struct{})
	}
	return r
}

func (r *recordingSTT) Transcribe(ctx context.Context, utt audio.Utterance, language string) (string, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.audio = append(r.audio, utt.Audio)
	r.mu.Unlock()
	r.started <- language
	if r.release != nil {
		<-r.release
	}
	return "heard " + language, nil
}

func (r *recordingSTT) heard(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.audio[i])
}

var voiceFormat = audio.Format{Rate: 22050, Width: 2, Channels: 1}

func fixedFrames(frames ...[]byte) ttsFunc {
	return func(ctx context.Context, text, voice string) (engine.FrameStream, error) {
		return engine.NewSliceStream(voiceFormat, frames...), nil
	}
}

func newConfig(stt engine.Transcriber, tts engine.Synthesizer) SessionConfig {
	return SessionConfig{
		Gateway: gateway.New(gateway.Options{
			STT:       stt,
			TTS:       tts,
			STTPolicy: gateway.Exclusive(),
			TTSPolicy: gateway.Exclusive(),
			Logger:    quiet,
		}),
		Caps:              Capabilities{STT: true, TTS: true},
		Info:              protocol.Info{ASR: []protocol.Program{{Name: "base", Backend: "whisper", Installed: true}}, TTS: []protocol.Program{{Name: "amy", Backend: "piper", Installed: true}}},
		MaxUtteranceBytes: 1 << 20,
		STTTimeout:        2 * time.Second,
		TTSTimeout:        2 * time.Second,
		Logger:            quiet,
	}
}

func startServer(t *testing.T, cfg SessionConfig) (string, *Handler) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewAcceptor("test", h, quiet).Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("acceptor: %v", err)
		}
	})
	return ln.Addr().String(), h
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *protocol.Reader
	w    *protocol.Writer
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, r: protocol.NewReader(conn, protocol.Limits{}), w: protocol.NewWriter(conn)}
}

func (c *client) send(msgs ...protocol.Message) {
	c.t.Helper()
	for _, m := range msgs {
		if err := c.w.WriteMessage(m); err != nil {
			c.t.Fatalf("send %s: %v", m.Type(), err)
		}
	}
}

func (c *client) sendRaw(s string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(s)); err != nil {
		c.t.Fatal(err)
	}
}

func (c *client) utterance(language string, chunks ...[]byte) {
	c.t.Helper()
	c.send(protocol.Transcribe{Language: language}, protocol.AudioStart{Format: audio.Ingress})
	for _, ch := range chunks {
		c.send(protocol.AudioChunk{Format: audio.Ingress, Audio: ch})
	}
	c.send(protocol.AudioStop{})
}

func (c *client) recv() protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ev, err := c.r.ReadEvent()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	m, err := protocol.Parse(ev)
	if err != nil {
		c.t.Fatalf("parse %s: %v", ev.Type, err)
	}
	return m
}

func (c *client) expectError(code string) protocol.ErrorEvent {
	c.t.Helper()
	m := c.recv()
	e, ok := m.(protocol.ErrorEvent)
	if !ok || e.Code != code {
		c.t.Fatalf("expected %s error, got %#v", code, m)
	}
	return e
}

func (c *client) expectTranscript(text string) {
	c.t.Helper()
	m := c.recv()
	tr, ok := m.(protocol.Transcript)
	if !ok || tr.Text != text {
		c.t.Fatalf("expected transcript %q, got %#v", text, m)
	}
}

// expectIdle checks the session still answers, which it only does from a
// dispatching state.
func (c *client) expectIdle() {
	c.t.Helper()
	c.send(protocol.Describe{})
	if _, ok := c.recv().(protocol.Info); !ok {
		c.t.Fatal("expected info")
	}
}

func (c *client) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ev, err := c.r.ReadEvent()
	if err == nil {
		c.t.Fatalf("expected closed connection, got %s", ev.Type)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.t.Fatal("connection left open")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTranscribeRoundTrip(t *testing.T) {
	stt := newRecordingSTT(false)
	addr, _ := startServer(t, newConfig(stt, nil))
	c := dial(t, addr)

	c.utterance("en", []byte("aa"), []byte("bb"), []byte("cc"))
	c.expectTranscript("heard en")
	if got := stt.heard(0); got != "aabbcc" {
		t.Fatalf("engine got %q", got)
	}

	c.utterance("de", []byte("dd"))
	c.expectTranscript("heard de")
	if stt.calls.Load() != 2 {
		t.Fatalf("calls = %d", stt.calls.Load())
	}
}

func TestSynthesizeStreamsNativeFormat(t *testing.T) {
	frames := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	var gotVoice atomic.Value
	tts := ttsFunc(func(ctx context.Context, text, voice string) (engine.FrameStream, error) {
		gotVoice.Store(voice)
		return engine.NewSliceStream(voiceFormat, frames...), nil
	})
	addr, _ := startServer(t, newConfig(nil, tts))
	c := dial(t, addr)

	for i := 0; i < 2; i++ {
		c.send(protocol.Synthesize{Text: "hello", Voice: "amy"})
		start, ok := c.recv().(protocol.AudioStart)
		if !ok || start.Format != voiceFormat {
			t.Fatalf("expected audio-start at %s, got %#v", voiceFormat, start)
		}
		for _, want := range frames {
			ch, ok := c.recv().(protocol.AudioChunk)
			if !ok || !bytes.Equal(ch.Audio, want) || ch.Format != voiceFormat {
				t.Fatalf("expected chunk %q, got %#v", want, ch)
			}
		}
		if _, ok := c.recv().(protocol.AudioStop); !ok {
			t.Fatal("expected audio-stop")
		}
	}
	if v := gotVoice.Load(); v != "amy" {
		t.Fatalf("voice %v", v)
	}
}

func TestChunkWhileIdleIsSequenceError(t *testing.T) {
	addr, _ := startServer(t, newConfig(newRecordingSTT(false), nil))
	c := dial(t, addr)

	c.send(protocol.AudioChunk{Audio: []byte("x")})
	c.expectError(CodeSequence)
	c.send(protocol.AudioStop{})
	c.expectError(CodeSequence)
	c.expectIdle()
}

func TestOutOfSequenceDiscardsUtterance(t *testing.T) {
	stt := newRecordingSTT(false)
	addr, _ := startServer(t, newConfig(stt, fixedFrames()))
	c := dial(t, addr)

	c.send(protocol.Transcribe{Language: "en"}, protocol.AudioStart{Format: audio.Ingress},
		protocol.AudioChunk{Audio: []byte("lost")}, protocol.Synthesize{Text: "hi"})
	c.expectError(CodeSequence)

	// back in Idle, so the old utterance cannot be continued
	c.send(protocol.AudioChunk{Audio: []byte("more")})
	c.expectError(CodeSequence)

	c.send(protocol.Transcribe{Language: "en"}, protocol.AudioStart{Format: audio.Ingress},
		protocol.AudioStart{Format: audio.Ingress})
	c.expectError(CodeSequence)

	c.utterance("en", []byte("fresh"))
	c.expectTranscript("heard en")
	if got := stt.heard(0); got != "fresh" {
		t.Fatalf("engine got %q", got)
	}
}

func TestOverflowAbortsUtterance(t *testing.T) {
	stt := newRecordingSTT(false)
	cfg := newConfig(stt, nil)
	cfg.MaxUtteranceBytes = 100
	addr, _ := startServer(t, cfg)
	c := dial(t, addr)

	c.send(protocol.Transcribe{}, protocol.AudioStart{Format: audio.Ingress},
		protocol.AudioChunk{Audio: make([]byte, 60)}, protocol.AudioChunk{Audio: make([]byte, 60)})
	c.expectError(CodeOverflow)
	c.send(protocol.AudioStop{})
	c.expectError(CodeSequence)
	if stt.calls.Load() != 0 {
		t.Fatal("engine invoked for an overflowed utterance")
	}
}

func TestChunkFormatMismatch(t *testing.T) {
	addr, _ := startServer(t, newConfig(newRecordingSTT(false), nil))
	c := dial(t, addr)

	c.send(protocol.Transcribe{}, protocol.AudioStart{Format: audio.Ingress},
		protocol.AudioChunk{Format: audio.Format{Rate: 8000, Width: 2, Channels: 1}, Audio: []byte("x")})
	e := c.expectError(CodeInvalidEvent)
	if !strings.Contains(e.Message, "8000Hz") {
		t.Fatalf("message %q", e.Message)
	}
	c.expectIdle()
}

func TestTimeoutThenSuccess(t *testing.T) {
	var n atomic.Int32
	returned := make(chan struct{})
	stt := sttFunc(func(ctx context.Context, utt audio.Utterance, language string) (string, error) {
		if n.Add(1) == 1 {
			defer close(returned)
			time.Sleep(300 * time.Millisecond)
			return "too late", nil
		}
		return "on time", nil
	})
	cfg := newConfig(stt, nil)
	cfg.STTTimeout = 100 * time.Millisecond
	addr, _ := startServer(t, cfg)
	c := dial(t, addr)

	c.utterance("en", []byte("a"))
	c.expectError(CodeEngineTimeout)
	// the abandoned call keeps the exclusive slot until it returns
	<-returned
	c.utterance("en", []byte("b"))
	c.expectTranscript("on time")
}

func TestEngineFailureKeepsBackendMessage(t *testing.T) {
	stt := sttFunc(func(ctx context.Context, utt audio.Utterance, language string) (string, error) {
		return "", errors.New("model exploded")
	})
	tts := ttsFunc(func(ctx context.Context, text, voice string) (engine.FrameStream, error) {
		return nil, errors.New("voice missing")
	})
	addr, _ := startServer(t, newConfig(stt, tts))
	c := dial(t, addr)

	c.utterance("en", []byte("a"))
	if e := c.expectError(CodeEngineFailure); e.Message != "model exploded" {
		t.Fatalf("message %q", e.Message)
	}
	c.send(protocol.Synthesize{Text: "hi"})
	if e := c.expectError(CodeEngineFailure); e.Message != "voice missing" {
		t.Fatalf("message %q", e.Message)
	}
	c.expectIdle()
}

type failingFrames struct{ sent bool }

func (f *failingFrames) Format() audio.Format { return voiceFormat }
func (f *failingFrames) Close() error         { return nil }
func (f *failingFrames) Next() ([]byte, error) {
	if !f.sent {
		f.sent = true
		return []byte("first"), nil
	}
	return nil, errors.New("piper exited")
}

func TestSynthesisFailureMidStream(t *testing.T) {
	tts := ttsFunc(func(ctx context.Context, text, voice string) (engine.FrameStream, error) {
		return &failingFrames{}, nil
	})
	addr, _ := startServer(t, newConfig(nil, tts))
	c := dial(t, addr)

	c.send(protocol.Synthesize{Text: "hi"})
	if _, ok := c.recv().(protocol.AudioStart); !ok {
		t.Fatal("expected audio-start")
	}
	if _, ok := c.recv().(protocol.AudioChunk); !ok {
		t.Fatal("expected audio-chunk")
	}
	c.expectError(CodeEngineFailure)
	c.expectIdle()
}

func TestEngineCrashClosesSession(t *testing.T) {
	stt := sttFunc(func(ctx context.Context, utt audio.Utterance, language string) (string, error) {
		panic("segfault in disguise")
	})
	addr, _ := startServer(t, newConfig(stt, nil))
	c := dial(t, addr)

	c.utterance("en", []byte("a"))
	c.expectClosed()
}

func TestConcurrentSessionsShareExclusiveEngine(t *testing.T) {
	stt := newRecordingSTT(true)
	addr, h := startServer(t, newConfig(stt, nil))
	a, b := dial(t, addr), dial(t, addr)

	a.utterance("a", []byte("1"))
	if got := <-stt.started; got != "a" {
		t.Fatalf("first call %q", got)
	}
	b.utterance("b", []byte("2"))
	waitFor(t, "both sessions", func() bool { return h.Active() == 2 })

	select {
	case got := <-stt.started:
		t.Fatalf("%q started while the engine was busy", got)
	case <-time.After(100 * time.Millisecond):
	}
	stt.release <- struct{}{}
	a.expectTranscript("heard a")
	if got := <-stt.started; got != "b" {
		t.Fatalf("second call %q", got)
	}
	stt.release <- struct{}{}
	b.expectTranscript("heard b")
}

func TestDisconnectWhileQueuedNeverInvokesEngine(t *testing.T) {
	stt := newRecordingSTT(true)
	addr, h := startServer(t, newConfig(stt, nil))
	a, b := dial(t, addr), dial(t, addr)

	a.utterance("a", []byte("1"))
	<-stt.started
	b.utterance("b", []byte("2"))
	waitFor(t, "second session", func() bool { return h.Active() == 2 })
	time.Sleep(50 * time.Millisecond)
	b.conn.Close()
	waitFor(t, "queued session to end", func() bool { return h.Active() == 1 })

	stt.release <- struct{}{}
	a.expectTranscript("heard a")
	a.expectIdle()
	if n := stt.calls.Load(); n != 1 {
		t.Fatalf("engine invoked %d times", n)
	}
}

func TestDisabledCapabilities(t *testing.T) {
	cfg := newConfig(newRecordingSTT(false), fixedFrames([]byte("x")))
	cfg.Caps = Capabilities{STT: true}
	addr, _ := startServer(t, cfg)
	c := dial(t, addr)

	c.send(protocol.Synthesize{Text: "hi"})
	c.expectError(CodeEngineUnavailable)
	c.send(protocol.Describe{})
	info, ok := c.recv().(protocol.Info)
	if !ok || len(info.ASR) != 1 || len(info.TTS) != 0 {
		t.Fatalf("info %#v", info)
	}

	cfg = newConfig(nil, fixedFrames())
	addr, _ = startServer(t, cfg)
	c = dial(t, addr)
	c.send(protocol.Transcribe{})
	c.expectError(CodeEngineUnavailable)
	c.send(protocol.AudioStart{Format: audio.Ingress})
	c.expectError(CodeSequence)
}

func TestUnknownAndInvalidEvents(t *testing.T) {
	addr, _ := startServer(t, newConfig(newRecordingSTT(false), fixedFrames()))
	c := dial(t, addr)

	c.sendRaw(`{"type":"wake-word","payload_length":null}` + "\n")
	c.expectError(CodeUnknownEvent)
	c.sendRaw(`{"type":"synthesize","data":{"text":"  "}}` + "\n")
	c.expectError(CodeInvalidEvent)
	c.send(protocol.Transcribe{})
	c.sendRaw(`{"type":"audio-start","data":{"rate":0,"width":2,"channels":1}}` + "\n")
	c.expectError(CodeInvalidEvent)
	c.expectIdle()
}

func TestFramingErrorClosesConnection(t *testing.T) {
	addr, _ := startServer(t, newConfig(newRecordingSTT(false), nil))

	c := dial(t, addr)
	c.sendRaw("this is not json\n")
	c.expectClosed()

	c = dial(t, addr)
	c.sendRaw(`{"type":"audio-chunk","payload_length":-1}` + "\n")
	c.expectClosed()
}

func TestPartialWritesAreReassembled(t *testing.T) {
	stt := newRecordingSTT(false)
	addr, _ := startServer(t, newConfig(stt, nil))
	c := dial(t, addr)

	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	for _, m := range []protocol.Message{
		protocol.Transcribe{Language: "en"},
		protocol.AudioStart{Format: audio.Ingress},
		protocol.AudioChunk{Audio: []byte("split-payload")},
		protocol.AudioStop{},
	} {
		if err := w.WriteMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	for _, b := range buf.Bytes() {
		if _, err := c.conn.Write([]byte{b}); err != nil {
			t.Fatal(err)
		}
	}
	c.expectTranscript("heard en")
	if got := stt.heard(0); got != "split-payload" {
		t.Fatalf("engine got %q", got)
	}
}

func TestTransitionTableIsExhaustive(t *testing.T) {
	for _, st := range []State{StateIdle, StateAwaitingAudio} {
		row, ok := transitions[st]
		if !ok {
			t.Fatalf("no transitions for %s", st)
		}
		for _, typ := range protocol.Types {
			if row[typ] == nil {
				t.Errorf("%s + %s is unhandled", st, typ)
			}
		}
		if len(row) != len(protocol.Types) {
			t.Errorf("%s lists %d events, catalogue has %d", st, len(row), len(protocol.Types))
		}
	}
}

func TestOneSecondUtteranceYieldsEngineText(t *testing.T) {
	var got audio.Utterance
	var mu sync.Mutex
	stt := sttFunc(func(ctx context.Context, utt audio.Utterance, language string) (string, error) {
		mu.Lock()
		got = utt
		mu.Unlock()
		return "turn on the lights", nil
	})
	addr, _ := startServer(t, newConfig(stt, nil))
	c := dial(t, addr)

	c.utterance("en", make([]byte, 12000), make([]byte, 12000), make([]byte, 8000))
	c.expectTranscript("turn on the lights")
	mu.Lock()
	defer mu.Unlock()
	if len(got.Audio) != 32000 || got.Format != audio.Ingress || got.Duration() != time.Second {
		t.Fatalf("engine got %d bytes at %s", len(got.Audio), got.Format)
	}
}

func TestTwoFramesAt22kHz(t *testing.T) {
	a, b := bytes.Repeat([]byte{1}, 512), bytes.Repeat([]byte{2}, 512)
	addr, _ := startServer(t, newConfig(nil, fixedFrames(a, b)))
	c := dial(t, addr)

	c.send(protocol.Synthesize{Text: "hello"})
	if start, ok := c.recv().(protocol.AudioStart); !ok || start.Format != (audio.Format{Rate: 22050, Width: 2, Channels: 1}) {
		t.Fatalf("got %#v", start)
	}
	for _, want := range [][]byte{a, b} {
		if ch, ok := c.recv().(protocol.AudioChunk); !ok || !bytes.Equal(ch.Audio, want) {
			t.Fatal("chunk mismatch")
		}
	}
	if _, ok := c.recv().(protocol.AudioStop); !ok {
		t.Fatal("expected audio-stop")
	}
}

// bigThenSmall streams many large frames for "big" and one short frame for
// anything else.
func bigThenSmall() ttsFunc {
	block := bytes.Repeat([]byte{7}, 64<<10)
	return func(ctx context.Context, text, voice string) (engine.FrameStream, error) {
		if text != "big" {
			return engine.NewSliceStream(voiceFormat, []byte("small")), nil
		}
		frames := make([][]byte, 512)
		for i := range frames {
			frames[i] = block
		}
		return engine.NewSliceStream(voiceFormat, frames...), nil
	}
}

func (c *client) expectSynthesis() {
	c.t.Helper()
	if _, ok := c.recv().(protocol.AudioStart); !ok {
		c.t.Fatal("expected audio-start")
	}
	for {
		switch m := c.recv().(type) {
		case protocol.AudioChunk:
		case protocol.AudioStop:
			return
		default:
			c.t.Fatalf("unexpected %#v while streaming", m)
		}
	}
}

func TestStalledReaderDoesNotStarveOtherSessions(t *testing.T) {
	cfg := newConfig(nil, bigThenSmall())
	cfg.TTSTimeout = 300 * time.Millisecond
	cfg.WriteTimeout = time.Minute
	addr, _ := startServer(t, cfg)

	stalled := dial(t, addr)
	stalled.send(protocol.Synthesize{Text: "big"})
	time.Sleep(600 * time.Millisecond)

	c := dial(t, addr)
	c.send(protocol.Synthesize{Text: "small"})
	c.expectSynthesis()
}

func TestStalledReaderIsDisconnected(t *testing.T) {
	cfg := newConfig(nil, bigThenSmall())
	cfg.WriteTimeout = 200 * time.Millisecond
	addr, h := startServer(t, cfg)

	stalled := dial(t, addr)
	stalled.send(protocol.Synthesize{Text: "big"})
	waitFor(t, "stalled session to open", func() bool { return h.Active() == 1 })
	waitFor(t, "stalled session to close", func() bool { return h.Active() == 0 })
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestUtteranceSummaryIsLogged(t *testing.T) {
	var logs syncBuffer
	cfg := newConfig(newRecordingSTT(false), nil)
	cfg.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
	addr, _ := startServer(t, cfg)
	c := dial(t, addr)

	c.send(protocol.Transcribe{Language: "en", Model: "tiny"}, protocol.AudioStart{Format: audio.Ingress})
	c.send(protocol.AudioChunk{Format: audio.Ingress, Audio: make([]byte, 16000)})
	c.send(protocol.AudioChunk{Format: audio.Ingress, Audio: make([]byte, 16000)})
	c.send(protocol.AudioStop{})
	c.expectTranscript("heard en")

	var line string
	for _, l := range strings.Split(logs.String(), "\n") {
		if strings.Contains(l, `"msg":"utterance transcribed"`) {
			line = l
		}
	}
	for _, want := range []string{`"model":"tiny"`, `"chunks":2`, `"avg_chunk_bytes":16000`, `"audio":1000000000`} {
		if !strings.Contains(line, want) {
			t.Fatalf("summary %q lacks %s", line, want)
		}
	}
}
