// Package engine declares the capabilities the server consumes from speech
// backends. Implementations live under internal/services.
package engine

import (
	"context"
	"io"

	"voicegate/internal/audio"
)

// Transcriber converts one utterance to text. Calls may be slow and their
// concurrency safety is not assumed; callers go through the gateway.
type Transcriber interface {
	Transcribe(ctx context.Context, utt audio.Utterance, language string) (string, error)
}

// Synthesizer produces speech for text as a lazy stream of frames.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (FrameStream, error)
}

// FrameStream is a finite, non-restartable sequence of PCM frames. Next
// returns io.EOF once the stream is exhausted. Close releases any resources
// held by the producer and may be called at any point.
type FrameStream interface {
	Format() audio.Format
	Next() ([]byte, error)
	io.Closer
}

// Describer is implemented by engines that can name what they serve; it
// feeds the info event.
type Describer interface {
	Describe() (name, backend string)
}

// SliceStream is a FrameStream over frames already in memory.
type SliceStream struct {
	format audio.Format
	frames [][]byte
}

func NewSliceStream(f audio.Format, frames ...[]byte) *SliceStream {
	return &SliceStream{format: f, frames: frames}
}

func (s *SliceStream) Format() audio.Format { return s.format }

func (s *SliceStream) Next() ([]byte, error) {
	if len(s.frames) == 0 {
		return nil, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *SliceStream) Close() error {
	s.frames = nil
	return nil
}

// ReaderStream splits a raw PCM reader into frames of a fixed size; the final
// frame may be shorter.
type ReaderStream struct {
	format    audio.Format
	r         io.Reader
	frameSize int
	closer    func() error
}

// NewReaderStream wraps r. closer, if non-nil, runs on Close.
func NewReaderStream(f audio.Format, r io.Reader, frameSize int, closer func() error) *ReaderStream {
	if frameSize <= 0 {
		frameSize = 4096
	}
	// keep frames aligned to whole samples
	if align := f.Width * f.Channels; align > 0 && frameSize%align != 0 {
		frameSize += align - frameSize%align
	}
	return &ReaderStream{format: f, r: r, frameSize: frameSize, closer: closer}
}

func (s *ReaderStream) Format() audio.Format { return s.format }

func (s *ReaderStream) Next() ([]byte, error) {
	buf := make([]byte, s.frameSize)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case n > 0 && (err == nil || err == io.ErrUnexpectedEOF || err == io.EOF):
		return buf[:n], nil
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return nil, io.EOF
	default:
		return nil, err
	}
}

func (s *ReaderStream) Close() error {
	if s.closer == nil {
		return nil
	}
	c := s.closer
	s.closer = nil
	return c()
}
