package egress

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func pcm(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func writeWAV(t *testing.T, path string, finalize bool, samples ...int16) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w, err := newWAVWriter(f, DefaultFormat)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(pcm(samples...)); err != nil {
		t.Fatal(err)
	}
	if finalize {
		if err := w.Finalize(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHeader_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	writeWAV(t, path, true, 1, 2, 3, 4)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	h, err := ReadHeader(f)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if !h.Finalized() {
		t.Error("expected finalized header")
	}
	if h.DataSize != 8 || h.RIFFSize != 44 {
		t.Errorf("expected data 8 riff 44, got %d %d", h.DataSize, h.RIFFSize)
	}
	if h.SampleRate != 16000 || h.Channels != 1 || h.BitsPerSample != 16 {
		t.Errorf("unexpected format %+v", h.Format)
	}
}

func TestReadHeader_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(path, make([]byte, 64), 0644); err != nil {
		t.Fatal(err)
	}
	f, _ := os.Open(path)
	defer f.Close()
	if _, err := ReadHeader(f); !errors.Is(err, ErrInvalidWAV) {
		t.Errorf("expected ErrInvalidWAV, got %v", err)
	}
}

func TestExtract_NotReady(t *testing.T) {
	dir := t.TempDir()

	if _, err := Extract(filepath.Join(dir, "missing.wav"), 10); !errors.Is(err, ErrNotReady) {
		t.Errorf("missing file: expected ErrNotReady, got %v", err)
	}

	partial := filepath.Join(dir, "partial.wav")
	writeWAV(t, partial, false, 100, 200)
	if _, err := Extract(partial, 10); !errors.Is(err, ErrNotReady) {
		t.Errorf("unfinalized file: expected ErrNotReady, got %v", err)
	}

	empty := filepath.Join(dir, "empty.wav")
	if err := os.WriteFile(empty, []byte("RIFF"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Extract(empty, 10); !errors.Is(err, ErrNotReady) {
		t.Errorf("truncated header: expected ErrNotReady, got %v", err)
	}
}

func TestExtract_PeakNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.wav")
	writeWAV(t, path, true, 100, -400, 1000, 200, -2000, 50, 0, 10)

	peaks, err := Extract(path, 4)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := []float64{0.2, 0.5, 1, 0.005}
	if len(peaks) != len(want) {
		t.Fatalf("expected %d buckets, got %d", len(want), len(peaks))
	}
	for i := range want {
		if math.Abs(peaks[i]-want[i]) > 1e-9 {
			t.Errorf("bucket %d: expected %v, got %v", i, want[i], peaks[i])
		}
	}
}

func TestExtract_SilenceAndEmpty(t *testing.T) {
	dir := t.TempDir()

	silent := filepath.Join(dir, "silent.wav")
	writeWAV(t, silent, true, 0, 0, 0, 0)
	peaks, err := Extract(silent, 2)
	if err != nil || len(peaks) != 2 || peaks[0] != 0 {
		t.Errorf("silent: got %v, %v", peaks, err)
	}

	empty := filepath.Join(dir, "empty.wav")
	writeWAV(t, empty, true)
	peaks, err = Extract(empty, 3)
	if err != nil || len(peaks) != 3 {
		t.Errorf("empty: got %v, %v", peaks, err)
	}

	if _, err := Extract(empty, 0); err == nil {
		t.Error("expected error for zero buckets")
	}
}
