package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"voicegate/internal/audio"
	"voicegate/internal/gateway"
	"voicegate/internal/protocol"
)

// State is a session's protocol state.
type State int

const (
	StateIdle State = iota
	StateAwaitingAudio
	StateTranscribing
	StateStreaming
	// StateError is held only while the error event is written.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAudio:
		return "awaiting-audio"
	case StateTranscribing:
		return "transcribing"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type transition func(s *session, ctx context.Context, m protocol.Message) error

// transitions is the complete table of inbound events per state in which
// events are dispatched. Transcribing and Streaming run inside a single
// handler; events that arrive meanwhile wait until the session is Idle.
var transitions map[State]map[protocol.Type]transition

func init() {
	transitions = map[State]map[protocol.Type]transition{
		StateIdle: {
			protocol.TypeTranscribe: (*session).beginTranscription,
			protocol.TypeAudioStart: (*session).outOfSequence,
			protocol.TypeAudioChunk: (*session).outOfSequence,
			protocol.TypeAudioStop:  (*session).outOfSequence,
			protocol.TypeTranscript: (*session).outOfSequence,
			protocol.TypeSynthesize: (*session).synthesize,
			protocol.TypeError:      (*session).outOfSequence,
			protocol.TypeDescribe:   (*session).describe,
			protocol.TypeInfo:       (*session).outOfSequence,
		},
		StateAwaitingAudio: {
			protocol.TypeTranscribe: (*session).outOfSequence,
			protocol.TypeAudioStart: (*session).audioStart,
			protocol.TypeAudioChunk: (*session).audioChunk,
			protocol.TypeAudioStop:  (*session).audioStop,
			protocol.TypeTranscript: (*session).outOfSequence,
			protocol.TypeSynthesize: (*session).outOfSequence,
			protocol.TypeError:      (*session).outOfSequence,
			protocol.TypeDescribe:   (*session).describe,
			protocol.TypeInfo:       (*session).outOfSequence,
		},
	}
}

func (s *session) outOfSequence(ctx context.Context, m protocol.Message) error {
	return s.fail(CodeSequence, fmt.Sprintf("%s is not valid while %s", m.Type(), s.state))
}

func (s *session) describe(ctx context.Context, m protocol.Message) error {
	info := s.cfg.Info
	if !s.cfg.Caps.STT || !s.cfg.Gateway.HasSTT() {
		info.ASR = nil
	}
	if !s.cfg.Caps.TTS || !s.cfg.Gateway.HasTTS() {
		info.TTS = nil
	}
	return s.send(info)
}

func (s *session) beginTranscription(ctx context.Context, m protocol.Message) error {
	if !s.cfg.Caps.STT || !s.cfg.Gateway.HasSTT() {
		return s.fail(CodeEngineUnavailable, "speech recognition is not served on this endpoint")
	}
	s.request = m.(protocol.Transcribe)
	s.setState(StateAwaitingAudio)
	return nil
}

func (s *session) audioStart(ctx context.Context, m protocol.Message) error {
	start := m.(protocol.AudioStart)
	if err := s.asm.Start(start.Format); err != nil {
		return s.fail(CodeSequence, "audio-start while an utterance is already open")
	}
	return nil
}

func (s *session) audioChunk(ctx context.Context, m protocol.Message) error {
	chunk := m.(protocol.AudioChunk)
	if !s.asm.Open() {
		return s.fail(CodeSequence, "audio-chunk before audio-start")
	}
	if chunk.Format != (audio.Format{}) && chunk.Format != s.asm.Format() {
		return s.fail(CodeInvalidEvent, fmt.Sprintf("audio-chunk format %s differs from audio-start %s", chunk.Format, s.asm.Format()))
	}
	err := s.asm.Append(chunk.Audio)
	switch {
	case errors.Is(err, audio.ErrOverflow):
		return s.fail(CodeOverflow, fmt.Sprintf("utterance exceeds %d bytes", s.cfg.MaxUtteranceBytes))
	case err != nil:
		return s.fail(CodeSequence, err.Error())
	}
	return nil
}

func (s *session) audioStop(ctx context.Context, m protocol.Message) error {
	utt, err := s.asm.Finish()
	if err != nil {
		return s.fail(CodeSequence, "audio-stop before audio-start")
	}
	s.setState(StateTranscribing)
	req := gateway.TranscribeRequest{
		ID:        uuid.NewString(),
		Utterance: utt,
		Language:  s.request.Language,
		Model:     s.request.Model,
		Deadline:  time.Now().Add(s.cfg.STTTimeout),
	}
	s.log.Debug("transcribing", "request", req.ID, "audio", utt.Duration(), "bytes", len(utt.Audio))
	started := time.Now()
	text, err := s.cfg.Gateway.Transcribe(ctx, req)
	if err != nil {
		return s.engineFailed(req.ID, err)
	}
	s.log.Info("utterance transcribed",
		"request", req.ID,
		"model", req.Model,
		"chunks", utt.Chunks,
		"avg_chunk_bytes", utt.AvgChunk(),
		"audio", utt.Duration(),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	if err := s.send(protocol.Transcript{Text: text, Language: s.request.Language}); err != nil {
		return err
	}
	s.setState(StateIdle)
	return nil
}

func (s *session) synthesize(ctx context.Context, m protocol.Message) error {
	if !s.cfg.Caps.TTS || !s.cfg.Gateway.HasTTS() {
		return s.fail(CodeEngineUnavailable, "speech synthesis is not served on this endpoint")
	}
	syn := m.(protocol.Synthesize)
	s.setState(StateStreaming)
	req := gateway.SynthesizeRequest{
		ID:       uuid.NewString(),
		Text:     syn.Text,
		Voice:    syn.Voice,
		Deadline: time.Now().Add(s.cfg.TTSTimeout),
	}
	st, err := s.cfg.Gateway.Synthesize(ctx, req)
	if err != nil {
		return s.engineFailed(req.ID, err)
	}
	defer st.Close()

	format := st.Format()
	if err := s.send(protocol.AudioStart{Format: format}); err != nil {
		return err
	}
	frames := 0
	for {
		frame, err := st.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return s.engineFailed(req.ID, err)
		}
		if err := s.send(protocol.AudioChunk{Format: format, Audio: frame}); err != nil {
			return err
		}
		frames++
	}
	if err := s.send(protocol.AudioStop{}); err != nil {
		return err
	}
	s.log.Debug("synthesis streamed", "request", req.ID, "frames", frames, "format", format)
	s.setState(StateIdle)
	return nil
}

// engineFailed turns a gateway error into an error event, or ends the
// session when the peer is gone or the engine crashed.
func (s *session) engineFailed(id string, err error) error {
	code, ok := engineCode(err)
	if !ok {
		if errors.Is(err, gateway.ErrEngineCrashed) {
			s.log.Error("closing session after engine crash", "request", id, "error", err)
		} else {
			s.log.Info("peer left during engine request", "request", id)
		}
		return errSessionOver
	}
	s.log.Warn("engine request failed", "request", id, "code", code, "error", err)
	return s.fail(code, engineMessage(err))
}

// engineMessage is the backend's own message for failures, the gateway's
// otherwise.
func engineMessage(err error) string {
	var ee *gateway.EngineError
	if errors.As(err, &ee) {
		return ee.Err.Error()
	}
	return err.Error()
}
