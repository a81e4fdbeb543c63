// Package server hosts the session controller that drives the event protocol,
// and the TCP, WebSocket and HTTP front ends that feed it connections.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voicegate/internal/audio"
	"voicegate/internal/gateway"
	"voicegate/internal/protocol"
)

// inboxSize bounds how many decoded events may wait while the session is busy
// transcribing or streaming. The reader blocks once it is full.
const inboxSize = 64

// Capabilities selects what an endpoint serves. A capability that is off
// behaves as if its engine were not loaded.
type Capabilities struct {
	STT bool
	TTS bool
}

// SessionConfig is shared by every session a Handler serves.
type SessionConfig struct {
	Gateway           *gateway.Gateway
	Caps              Capabilities
	Info              protocol.Info
	MaxUtteranceBytes int
	Limits            protocol.Limits
	STTTimeout        time.Duration
	TTSTimeout        time.Duration
	WriteTimeout      time.Duration
	Logger            *slog.Logger
}

// Handler runs one session per connection. It is safe for concurrent use.
type Handler struct {
	cfg    SessionConfig
	log    *slog.Logger
	active atomic.Int64
}

func NewHandler(cfg SessionConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.STTTimeout <= 0 {
		cfg.STTTimeout = time.Minute
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return &Handler{cfg: cfg, log: cfg.Logger}
}

// SetInfo replaces what describe reports. Call it before the first session
// is served.
func (h *Handler) SetInfo(info protocol.Info) { h.cfg.Info = info }

// Active is the number of sessions currently open.
func (h *Handler) Active() int64 { return h.active.Load() }

// Serve drives the session for conn until the peer disconnects, the stream
// becomes unparseable or ctx is canceled. conn is closed on return.
func (h *Handler) Serve(ctx context.Context, conn io.ReadWriteCloser, remote string) {
	// a write stuck on the peer only notices shutdown through the conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		id:    uuid.NewString(),
		cfg:   &h.cfg,
		w:     protocol.NewWriter(conn),
		wd:    writeDeadliner(conn),
		asm:   audio.NewAssembler(h.cfg.MaxUtteranceBytes),
		state: StateIdle,
	}
	s.log = h.log.With("session", s.id, "remote", remote)

	h.active.Add(1)
	defer h.active.Add(-1)
	s.log.Info("session opened")
	started := time.Now()

	inbox := make(chan protocol.Event, inboxSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLoop(ctx, cancel, protocol.NewReader(conn, h.cfg.Limits), inbox)
	}()

	s.run(ctx, inbox)

	cancel()
	conn.Close()
	wg.Wait()
	if s.asm.Open() {
		s.log.Debug("discarding open utterance", "bytes", s.asm.Len())
	}
	s.asm.Abort()
	s.log.Info("session closed", "duration", time.Since(started).Round(time.Millisecond))
}

type session struct {
	id      string
	cfg     *SessionConfig
	w       *protocol.Writer
	wd      deadliner
	asm     *audio.Assembler
	state   State
	request protocol.Transcribe
	log     *slog.Logger
}

// readLoop decodes events off the wire until the stream ends. Any read error
// cancels ctx, which also withdraws a request still queued in the gateway.
func (s *session) readLoop(ctx context.Context, cancel context.CancelFunc, r *protocol.Reader, inbox chan<- protocol.Event) {
	defer close(inbox)
	defer cancel()
	for {
		ev, err := r.ReadEvent()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			s.log.Debug("peer closed the connection")
			return
		case protocol.IsFraming(err):
			s.log.Warn("closing connection on framing error", "error", err)
			return
		default:
			if ctx.Err() == nil {
				s.log.Debug("read failed", "error", err)
			}
			return
		}
		select {
		case inbox <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) run(ctx context.Context, inbox <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-inbox:
			if !ok {
				return
			}
			if err := s.handle(ctx, ev); err != nil {
				if !errors.Is(err, errSessionOver) && ctx.Err() == nil {
					s.log.Info("write failed, closing session", "error", err)
				}
				return
			}
		}
	}
}

// handle dispatches one inbound event through the transition table. A
// non-nil error ends the session.
func (s *session) handle(ctx context.Context, ev protocol.Event) error {
	m, err := protocol.Parse(ev)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			s.log.Warn("unknown event", "type", ev.Type)
			return s.send(protocol.ErrorEvent{Code: CodeUnknownEvent, Message: err.Error()})
		}
		s.log.Warn("invalid event", "type", ev.Type, "error", err)
		return s.fail(CodeInvalidEvent, err.Error())
	}

	fn := transitions[s.state][m.Type()]
	if fn == nil {
		// every dispatchable state lists every event type
		s.log.Error("no transition for event", "state", s.state, "type", m.Type())
		return s.fail(CodeSequence, fmt.Sprintf("%s is not handled while %s", m.Type(), s.state))
	}
	return fn(s, ctx, m)
}

// fail emits one error event and returns the session to Idle, discarding any
// open utterance.
func (s *session) fail(code, msg string) error {
	s.setState(StateError)
	err := s.send(protocol.ErrorEvent{Code: code, Message: msg})
	s.asm.Abort()
	s.setState(StateIdle)
	return err
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

func writeDeadliner(conn io.ReadWriteCloser) deadliner {
	if d, ok := conn.(deadliner); ok {
		return d
	}
	return nil
}

func (s *session) send(m protocol.Message) error {
	if s.wd != nil {
		if err := s.wd.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return s.w.WriteMessage(m)
}

func (s *session) setState(next State) {
	if next == s.state {
		return
	}
	s.log.Debug("state", "from", s.state, "to", next)
	s.state = next
}
