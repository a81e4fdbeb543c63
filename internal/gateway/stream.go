package gateway

import (
	"context"
	"errors"
	"io"
	"sync"

	"voicegate/internal/audio"
	"voicegate/internal/engine"
)

type frame struct {
	data []byte
	err  error
}

// Stream delivers synthesized frames in production order. The engine is
// read by a background producer that keeps the TTS slot until the engine's
// sequence ends. Close, or the request deadline passing, abandons delivery
// without interrupting the engine.
type Stream struct {
	format audio.Format
	src    engine.FrameStream
	ctx    context.Context // deadline-bound
	parent context.Context

	frames   chan frame
	stop     chan struct{}
	stopOnce sync.Once
	onDone   func(error)

	mu     sync.Mutex
	result error
	ended  bool
}

func newStream(ctx, parent context.Context, src engine.FrameStream, onDone func(error)) *Stream {
	return &Stream{
		format: src.Format(),
		src:    src,
		ctx:    ctx,
		parent: parent,
		frames: make(chan frame),
		stop:   make(chan struct{}),
		onDone: onDone,
	}
}

// Format is the engine's native output format.
func (s *Stream) Format() audio.Format { return s.format }

// Next returns the next frame, io.EOF at the end of synthesis, or a gateway
// error (ErrTimeout, ErrCanceled, *EngineError, ErrEngineCrashed). Once the
// request deadline has passed no further frames are handed out.
func (s *Stream) Next() ([]byte, error) {
	if !s.expired() {
		select {
		case f, ok := <-s.frames:
			if !ok || !s.expired() {
				return unpack(f, ok)
			}
		case <-s.stop:
			return nil, ErrCanceled
		case <-s.ctx.Done():
			if !s.expired() {
				// completion cancels ctx only after frames is closed
				f, ok := <-s.frames
				return unpack(f, ok)
			}
		}
	}
	return s.expire()
}

// expired reports whether the request deadline passed or the caller went
// away. The producer finishing also cancels ctx, which does not count.
func (s *Stream) expired() bool {
	return errors.Is(s.ctx.Err(), context.DeadlineExceeded) || s.parent.Err() != nil
}

func (s *Stream) expire() ([]byte, error) {
	err := classify(s.parent)
	s.setResult(err)
	s.Close()
	return nil, err
}

func unpack(f frame, ok bool) ([]byte, error) {
	if !ok {
		return nil, io.EOF
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

// Close abandons the stream. The producer drains the engine in the
// background and then releases the slot. Close is idempotent.
func (s *Stream) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *Stream) setResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.result = err
		s.ended = true
	}
}

func (s *Stream) produce() {
	var final error
	defer func() {
		s.setResult(final)
		s.mu.Lock()
		res := s.result
		s.mu.Unlock()
		s.onDone(res)
	}()
	defer s.src.Close()
	defer close(s.frames)

	for {
		data, err := s.next()
		if errors.Is(err, io.EOF) {
			return
		}
		final = err
		select {
		case s.frames <- frame{data: data, err: err}:
			if err != nil {
				return
			}
		case <-s.stop:
			if err == nil {
				drain(s.src)
				final = ErrCanceled
			}
			return
		case <-s.ctx.Done():
			// nobody is reading; finish the engine call and give up the slot
			if err == nil {
				drain(s.src)
			}
			final = classify(s.parent)
			return
		}
	}
}

func (s *Stream) next() (data []byte, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = crashed(engineTTS, v)
		}
	}()
	data, err = s.src.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		err = &EngineError{Engine: engineTTS, Err: err}
	}
	return data, err
}
