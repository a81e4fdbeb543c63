package audio

import (
	"encoding/binary"
	"io"
)

// WriteWAV writes pcm as a canonical 44-byte-header RIFF/WAVE file.
func WriteWAV(w io.Writer, f Format, pcm []byte) error {
	blockAlign := f.Width * f.Channels
	hdr := make([]byte, 44)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(pcm)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(f.Rate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(f.Rate*blockAlign))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(f.Width*8))
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(pcm)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}
