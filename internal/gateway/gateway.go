// Package gateway is the only call path into the speech engines. It applies a
// per-engine arbitration policy, request deadlines and caller cancellation.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"voicegate/internal/audio"
	"voicegate/internal/engine"
)

const (
	engineSTT = "stt"
	engineTTS = "tts"
)

// Options configures a Gateway. A nil engine is treated as disabled.
type Options struct {
	STT       engine.Transcriber
	TTS       engine.Synthesizer
	STTPolicy Policy
	TTSPolicy Policy
	Logger    *slog.Logger
}

type Gateway struct {
	stt     engine.Transcriber
	tts     engine.Synthesizer
	sttLane lane
	ttsLane lane
	log     *slog.Logger
}

func New(o Options) *Gateway {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		stt:     o.STT,
		tts:     o.TTS,
		sttLane: newLane(o.STTPolicy),
		ttsLane: newLane(o.TTSPolicy),
		log:     log.With("component", "gateway"),
	}
}

// TranscribeRequest is an EngineRequest for speech recognition.
type TranscribeRequest struct {
	ID        string
	Utterance audio.Utterance
	Language  string
	// Model is what the client asked for. It is traced, but the engine
	// always serves the model loaded at startup.
	Model    string
	Deadline time.Time
}

// SynthesizeRequest is an EngineRequest for speech synthesis.
type SynthesizeRequest struct {
	ID       string
	Text     string
	Voice    string
	Deadline time.Time
}

// HasSTT reports whether a speech recognition engine is loaded.
func (g *Gateway) HasSTT() bool { return g.stt != nil }

// HasTTS reports whether a speech synthesis engine is loaded.
func (g *Gateway) HasTTS() bool { return g.tts != nil }

// Transcribe blocks until the engine returns, the deadline passes or ctx is
// canceled. A call that has already started is never interrupted: it runs
// to completion in the background, its result is dropped and its slot is
// released afterwards.
func (g *Gateway) Transcribe(ctx context.Context, req TranscribeRequest) (string, error) {
	if g.stt == nil {
		return "", ErrUnavailable
	}
	ctx, span := tracer.Start(ctx, "gateway.transcribe", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.Int("audio.bytes", len(req.Utterance.Audio)),
		attribute.String("model.requested", req.Model),
	))
	defer span.End()

	dctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	if err := g.wait(dctx, ctx, g.sttLane, engineSTT); err != nil {
		g.finish(ctx, span, engineSTT, req.ID, err)
		return "", err
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	started := time.Now()
	go func() {
		defer g.sttLane.release()
		defer func() {
			if v := recover(); v != nil {
				done <- result{err: crashed(engineSTT, v)}
			}
		}()
		text, err := g.stt.Transcribe(context.WithoutCancel(ctx), req.Utterance, req.Language)
		if err != nil {
			err = &EngineError{Engine: engineSTT, Err: err}
		}
		done <- result{text: text, err: err}
	}()

	select {
	case r := <-done:
		elapsed := time.Since(started)
		engineDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("engine", engineSTT)))
		g.log.Debug("transcription finished", "request", req.ID, "elapsed", elapsed, "error", r.err)
		g.finish(ctx, span, engineSTT, req.ID, r.err)
		return r.text, r.err
	case <-dctx.Done():
		err := classify(ctx)
		g.log.Warn("abandoning running transcription", "request", req.ID, "reason", err)
		g.finish(ctx, span, engineSTT, req.ID, err)
		return "", err
	}
}

// Synthesize waits for a TTS slot and starts synthesis. The returned Stream
// holds the slot until the engine's frame sequence is exhausted, even if the
// caller abandons it early.
func (g *Gateway) Synthesize(ctx context.Context, req SynthesizeRequest) (*Stream, error) {
	if g.tts == nil {
		return nil, ErrUnavailable
	}
	ctx, span := tracer.Start(ctx, "gateway.synthesize", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.Int("text.length", len(req.Text)),
	))

	dctx, cancel := withDeadline(ctx, req.Deadline)

	if err := g.wait(dctx, ctx, g.ttsLane, engineTTS); err != nil {
		cancel()
		g.finish(ctx, span, engineTTS, req.ID, err)
		span.End()
		return nil, err
	}

	type opened struct {
		src engine.FrameStream
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- opened{err: crashed(engineTTS, v)}
			}
		}()
		src, err := g.tts.Synthesize(context.WithoutCancel(ctx), req.Text, req.Voice)
		if err != nil {
			err = &EngineError{Engine: engineTTS, Err: err}
		}
		ch <- opened{src: src, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			g.ttsLane.release()
			cancel()
			g.finish(ctx, span, engineTTS, req.ID, o.err)
			span.End()
			return nil, o.err
		}
		st := newStream(dctx, ctx, o.src, func(err error) {
			g.ttsLane.release()
			cancel()
			g.finish(ctx, span, engineTTS, req.ID, err)
			span.End()
		})
		go st.produce()
		return st, nil
	case <-dctx.Done():
		err := classify(ctx)
		go func() {
			o := <-ch
			if o.src != nil {
				drain(o.src)
				_ = o.src.Close()
			}
			g.ttsLane.release()
		}()
		cancel()
		g.finish(ctx, span, engineTTS, req.ID, err)
		span.End()
		return nil, err
	}
}

// wait acquires a slot on l, translating context endings into gateway errors.
func (g *Gateway) wait(dctx, parent context.Context, l lane, name string) error {
	attrs := metric.WithAttributes(attribute.String("engine", name))
	queuedCounter.Add(parent, 1, attrs)
	defer queuedCounter.Add(parent, -1, attrs)
	if err := l.acquire(dctx); err != nil {
		return classify(parent)
	}
	return nil
}

func (g *Gateway) finish(ctx context.Context, span trace.Span, name, id string, err error) {
	outcome := outcomeOf(err)
	requestCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", name),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if errors.Is(err, ErrEngineCrashed) {
			g.log.Error("engine crashed", "engine", name, "request", id, "error", err)
		}
	}
}

func outcomeOf(err error) string {
	var ee *EngineError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrEngineCrashed):
		return "crashed"
	case errors.As(err, &ee):
		return "failure"
	default:
		return "error"
	}
}

// classify explains why a deadline-bound context ended: the caller's own
// context ending is a cancellation, anything else is the request deadline.
func classify(parent context.Context) error {
	if parent.Err() != nil {
		return ErrCanceled
	}
	return ErrTimeout
}

func withDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

// drain consumes an abandoned frame stream so the engine call runs to
// completion.
func drain(src engine.FrameStream) {
	defer func() { _ = recover() }()
	for {
		if _, err := src.Next(); err != nil {
			return
		}
	}
}
