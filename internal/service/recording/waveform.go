package recording

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Waveform returns the stored waveform of a recording, extracting it on
// first use. ErrNotReady means the egress file is not flushed yet.
func (p *Pipeline) Waveform(ctx context.Context, id string) ([]float64, error) {
	rec, err := p.repo.GetRecording(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	if rec.HasWaveform() {
		return rec.WaveformData, nil
	}

	data, err := p.extract(rec.FilePath, p.cfg.WaveformBuckets)
	if errors.Is(err, ErrNotReady) {
		p.metrics.RecordWaveform("not_ready")
		return nil, ErrNotReady
	}
	if err != nil {
		p.metrics.RecordWaveform("error")
		return nil, fmt.Errorf("extract waveform: %w", err)
	}

	if err := p.repo.UpdateWaveform(ctx, id, data); err != nil {
		// Still usable; extraction repeats next time.
		p.logger.Warn().Err(err).Str("recordingId", id).Msg("Failed to cache waveform")
	}
	p.metrics.RecordWaveform("extracted")
	return data, nil
}

// AwaitWaveform retries Waveform every WaveformRetry until the file is
// ready, extraction fails, or ctx ends.
func (p *Pipeline) AwaitWaveform(ctx context.Context, id string) ([]float64, error) {
	for {
		data, err := p.Waveform(ctx, id)
		if !errors.Is(err, ErrNotReady) {
			return data, err
		}
		p.logger.Debug().Str("recordingId", id).Msg("Waveform not ready, retrying")

		t := time.NewTimer(p.cfg.WaveformRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
