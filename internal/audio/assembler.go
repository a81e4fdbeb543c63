package audio

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSequence reports an assembler call that is invalid for its current
	// state (start while open, append/finish while closed).
	ErrSequence = errors.New("audio: utterance sequence violation")
	// ErrOverflow reports an utterance that would exceed the size ceiling.
	ErrOverflow = errors.New("audio: utterance exceeds size limit")
)

// Utterance is one contiguous capture delimited by audio-start/audio-stop.
type Utterance struct {
	Format Format
	Audio  []byte
	Chunks int // audio-chunk events it was assembled from
}

// Duration is the playback length implied by the byte count and format.
func (u Utterance) Duration() time.Duration {
	bps := u.Format.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(len(u.Audio)) * time.Second / time.Duration(bps)
}

// AvgChunk is the mean audio-chunk payload size in bytes.
func (u Utterance) AvgChunk() int {
	if u.Chunks == 0 {
		return 0
	}
	return len(u.Audio) / u.Chunks
}

// Assembler accumulates audio-chunk payloads into a bounded in-memory
// utterance. It is owned by a single session and is not safe for concurrent
// use.
type Assembler struct {
	max    int
	open   bool
	format Format
	buf    []byte
	chunks int
}

func NewAssembler(maxBytes int) *Assembler {
	return &Assembler{max: maxBytes}
}

// Open reports whether an utterance is in progress.
func (a *Assembler) Open() bool { return a.open }

// Format is the format announced by the open utterance's audio-start.
func (a *Assembler) Format() Format { return a.format }

// Len is the number of bytes accumulated so far.
func (a *Assembler) Len() int { return len(a.buf) }

func (a *Assembler) Start(f Format) error {
	if a.open {
		return fmt.Errorf("%w: audio already started", ErrSequence)
	}
	a.open = true
	a.format = f
	a.buf = a.buf[:0]
	a.chunks = 0
	return nil
}

// Append adds chunk to the open utterance. On overflow nothing is appended;
// the caller decides whether to abort.
func (a *Assembler) Append(chunk []byte) error {
	if !a.open {
		return fmt.Errorf("%w: audio not started", ErrSequence)
	}
	if a.max > 0 && len(a.buf)+len(chunk) > a.max {
		return fmt.Errorf("%w: %d bytes > %d", ErrOverflow, len(a.buf)+len(chunk), a.max)
	}
	a.buf = append(a.buf, chunk...)
	a.chunks++
	return nil
}

// Finish hands back the accumulated audio and clears the assembler.
func (a *Assembler) Finish() (Utterance, error) {
	if !a.open {
		return Utterance{}, fmt.Errorf("%w: audio not started", ErrSequence)
	}
	u := Utterance{Format: a.format, Audio: a.buf, Chunks: a.chunks}
	a.Abort()
	return u, nil
}

// Abort discards any in-progress utterance. It is a no-op when closed.
func (a *Assembler) Abort() {
	a.open = false
	a.format = Format{}
	a.buf = nil
	a.chunks = 0
}
