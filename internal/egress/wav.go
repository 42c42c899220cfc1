package egress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// ErrInvalidWAV is returned for files that are not 16-bit PCM WAV.
var ErrInvalidWAV = errors.New("not a valid PCM WAV file")

// Format describes a PCM stream.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is the room's audio format: 16 kHz 16-bit mono.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// ByteRate returns bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// Header is a parsed WAV header. RIFFSize is zero while the writer has not
// finalized the file.
type Header struct {
	Format
	AudioFormat uint16
	RIFFSize    uint32
	DataSize    uint32
}

// Finalized reports whether the sizes were patched after the last write.
func (h Header) Finalized() bool {
	return h.RIFFSize != 0
}

func encodeHeader(f Format, dataSize uint32, finalized bool) []byte {
	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	if finalized {
		binary.LittleEndian.PutUint32(header[4:8], 36+dataSize)
	}
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(f.ByteRate()))
	binary.LittleEndian.PutUint16(header[32:34], uint16(f.Channels*f.BitsPerSample/8))
	binary.LittleEndian.PutUint16(header[34:36], uint16(f.BitsPerSample))
	copy(header[36:40], "data")
	if finalized {
		binary.LittleEndian.PutUint32(header[40:44], dataSize)
	}
	return header
}

// ReadHeader reads and validates a 44-byte PCM WAV header.
func ReadHeader(r io.Reader) (Header, error) {
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Header{}, fmt.Errorf("read WAV header: %w", err)
	}

	// Validate it's a WAV file
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Header{}, ErrInvalidWAV
	}

	h := Header{
		AudioFormat: binary.LittleEndian.Uint16(header[20:22]),
		RIFFSize:    binary.LittleEndian.Uint32(header[4:8]),
		DataSize:    binary.LittleEndian.Uint32(header[40:44]),
		Format: Format{
			Channels:      int(binary.LittleEndian.Uint16(header[22:24])),
			SampleRate:    int(binary.LittleEndian.Uint32(header[24:28])),
			BitsPerSample: int(binary.LittleEndian.Uint16(header[34:36])),
		},
	}
	if h.AudioFormat != 1 || h.BitsPerSample != 16 {
		return Header{}, ErrInvalidWAV
	}
	return h, nil
}

// wavWriter appends PCM after a placeholder header and patches the sizes
// in Finalize.
type wavWriter struct {
	w      io.WriteSeeker
	format Format
	size   uint32
}

func newWAVWriter(w io.WriteSeeker, f Format) (*wavWriter, error) {
	if _, err := w.Write(encodeHeader(f, 0, false)); err != nil {
		return nil, fmt.Errorf("write WAV header: %w", err)
	}
	return &wavWriter{w: w, format: f}, nil
}

func (w *wavWriter) Write(pcm []byte) (int, error) {
	n, err := w.w.Write(pcm)
	w.size += uint32(n)
	return n, err
}

func (w *wavWriter) Duration() int64 {
	rate := w.format.ByteRate()
	if rate == 0 {
		return 0
	}
	return int64(w.size) * 1000 / int64(rate)
}

func (w *wavWriter) Finalize() error {
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek WAV header: %w", err)
	}
	if _, err := w.w.Write(encodeHeader(w.format, w.size, true)); err != nil {
		return fmt.Errorf("patch WAV header: %w", err)
	}
	_, err := w.w.Seek(0, io.SeekEnd)
	return err
}
