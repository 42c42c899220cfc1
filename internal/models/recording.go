package models

import "time"

// Recording is a persisted egress capture.
type Recording struct {
	ID           string    `json:"id"`
	EgressID     string    `json:"egressId,omitempty"`
	Title        string    `json:"title"`
	DurationMs   int64     `json:"durationMs"`
	FilePath     string    `json:"filePath"`
	CreatedAt    time.Time `json:"createdAt"`
	Transcript   string    `json:"transcript,omitempty"`
	WaveformData []float64 `json:"waveformData,omitempty"`
}

// HasWaveform reports whether waveform extraction already succeeded.
func (r Recording) HasWaveform() bool {
	return len(r.WaveformData) > 0
}
