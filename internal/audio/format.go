package audio

import "fmt"

// Format describes raw PCM audio: samples per second, bytes per sample and
// interleaved channel count.
type Format struct {
	Rate     int `json:"rate"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

// Ingress is the capture convention for speech recognition: 16 kHz, 16-bit
// signed little-endian, mono.
var Ingress = Format{Rate: 16000, Width: 2, Channels: 1}

func (f Format) Validate() error {
	if f.Rate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.Rate)
	}
	if f.Width < 1 || f.Width > 4 {
		return fmt.Errorf("invalid sample width %d", f.Width)
	}
	if f.Channels < 1 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	return nil
}

// BytesPerSecond is the byte rate of a stream in this format.
func (f Format) BytesPerSecond() int { return f.Rate * f.Width * f.Channels }

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.Rate, f.Width*8, f.Channels)
}
