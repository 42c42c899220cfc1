package egress

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// ErrNotReady is returned while the egress file is missing or still being
// written. Callers retry; it is not a failure.
var ErrNotReady = errors.New("recording not ready")

// Extract reads a finalized WAV file and returns one peak amplitude per
// bucket, normalized so the loudest bucket is 1.
func Extract(path string, buckets int) ([]float64, error) {
	if buckets <= 0 {
		return nil, fmt.Errorf("buckets must be > 0, got %d", buckets)
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	h, err := ReadHeader(f)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, ErrNotReady
	}
	if err != nil {
		return nil, err
	}
	if !h.Finalized() {
		return nil, ErrNotReady
	}

	frameSize := h.Channels * 2
	if frameSize == 0 {
		return nil, ErrInvalidWAV
	}
	frames := int(h.DataSize) / frameSize
	peaks := make([]float64, buckets)
	if frames == 0 {
		return peaks, nil
	}

	r := bufio.NewReader(io.LimitReader(f, int64(frames*frameSize)))
	frame := make([]byte, frameSize)
	var loudest float64
	for i := 0; i < frames; i++ {
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, fmt.Errorf("read samples: %w", err)
		}
		var peak float64
		for c := 0; c < h.Channels; c++ {
			s := int16(binary.LittleEndian.Uint16(frame[c*2:]))
			peak = math.Max(peak, math.Abs(float64(s)))
		}
		b := i * buckets / frames
		if peak > peaks[b] {
			peaks[b] = peak
		}
		loudest = math.Max(loudest, peak)
	}

	if loudest == 0 {
		return peaks, nil
	}
	for i := range peaks {
		peaks[i] /= loudest
	}
	return peaks, nil
}
