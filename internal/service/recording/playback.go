package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"ai-voice-session-service/internal/egress"
)

// ErrPlaybackStopped is returned by Play when Stop or DeleteRecording
// interrupted it.
var ErrPlaybackStopped = errors.New("playback stopped")

const wavHeaderSize = 44

type playback struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Current returns the ID of the recording being played, if any.
func (p *Pipeline) Current() string {
	p.playMu.Lock()
	defer p.playMu.Unlock()
	if p.playing == nil {
		return ""
	}
	return p.playing.id
}

// Stop cancels the current playback and waits for it to release the file.
func (p *Pipeline) Stop() {
	p.playMu.Lock()
	pb := p.playing
	p.playMu.Unlock()
	if pb == nil {
		return
	}
	pb.cancel()
	<-pb.done
}

// Play streams a recording to w at real-time pace. Starting a playback
// stops the previous one.
func (p *Pipeline) Play(ctx context.Context, id string, w io.Writer) error {
	rec, err := p.repo.GetRecording(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}

	f, err := os.Open(rec.FilePath)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	raw := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, raw); err != nil {
		return fmt.Errorf("read recording header: %w", err)
	}
	header, err := egress.ReadHeader(bytes.NewReader(raw))
	if err != nil {
		return err
	}

	playCtx, cancel := context.WithCancel(ctx)
	pb := &playback{id: id, cancel: cancel, done: make(chan struct{})}
	for {
		p.playMu.Lock()
		prev := p.playing
		if prev == nil {
			p.playing = pb
			p.playMu.Unlock()
			break
		}
		p.playMu.Unlock()
		prev.cancel()
		<-prev.done
	}

	defer func() {
		cancel()
		p.playMu.Lock()
		if p.playing == pb {
			p.playing = nil
		}
		p.playMu.Unlock()
		close(pb.done)
	}()

	p.logger.Info().Str("recordingId", id).Msg("Playback started")
	if _, err := w.Write(raw); err != nil {
		return err
	}

	chunk := make([]byte, header.ByteRate()*int(p.cfg.PlaybackChunk/time.Millisecond)/1000)
	if len(chunk) < 2 {
		chunk = make([]byte, 2)
	}
	ticker := time.NewTicker(p.cfg.PlaybackChunk)
	defer ticker.Stop()

	for {
		n, err := f.Read(chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			p.logger.Info().Str("recordingId", id).Msg("Playback finished")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read recording: %w", err)
		}

		select {
		case <-playCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Info().Str("recordingId", id).Msg("Playback stopped")
			return ErrPlaybackStopped
		case <-ticker.C:
		}
	}
}

// DeleteRecording stops playback of the recording, then removes its row
// and its file.
func (p *Pipeline) DeleteRecording(ctx context.Context, id string) error {
	if p.Current() == id {
		p.Stop()
	}

	rec, err := p.repo.GetRecording(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}

	if err := p.repo.DeleteRecording(ctx, id); err != nil {
		p.metrics.RecordRecording("delete", err)
		return err
	}
	if err := os.Remove(rec.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn().Err(err).Str("file", rec.FilePath).Msg("Failed to remove recording file")
	}
	p.metrics.RecordRecording("delete", nil)
	p.logger.Info().Str("recordingId", id).Msg("Recording deleted")
	return nil
}
