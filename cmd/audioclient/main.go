// Command audioclient runs the device side of the voice assistant. It joins
// the room, serves the control API and plays a WAV file into the voice
// gate while a voice session is active, standing in for a microphone.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"ai-voice-session-service/internal/app"
	"ai-voice-session-service/internal/config"
	"ai-voice-session-service/internal/egress"
	apphttp "ai-voice-session-service/internal/http"
	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability"
	"ai-voice-session-service/internal/service/session"
)

const frameDuration = 20 * time.Millisecond

func main() {
	audioFile := flag.String("audio", "", "Path to a WAV file (16kHz 16-bit mono) used as the microphone")
	addr := flag.String("http", ":8081", "Control API listen address")
	loop := flag.Bool("loop", true, "Restart the WAV file when it ends")
	autoStart := flag.Bool("start", false, "Start a voice session once connected")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	application := app.New(cfg)
	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	device, err := app.NewDevice(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build device")
	}
	if err := device.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start device")
	}

	api := apphttp.NewAPI(device.Reconciler, device.Controller, device.Settings, device.Recordings)
	server := observability.NewServer(*addr, device.Ready, api.Mount)
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("Failed to start control API")
	}

	go logConversation(ctx, device)
	if *audioFile != "" {
		go func() {
			if err := feed(ctx, device, *audioFile, *loop); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("file", *audioFile).Msg("Audio feed stopped")
			}
		}()
	}
	if *autoStart {
		device.Controller.Toggle(ctx)
	}

	log.Info().Str("api", *addr).Str("room", cfg.Transport.Room).Msg("Device running")
	<-ctx.Done()

	application.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Control API shutdown incomplete")
	}
	device.Shutdown(shutdownCtx)
}

// feed reads 20ms frames from the WAV file at real-time pace. Frames read
// while no voice session is active are discarded, like an open microphone
// nobody is listening to.
func feed(ctx context.Context, device *app.Device, path string, loop bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := egress.ReadHeader(f)
	if err != nil {
		return err
	}
	if header.AudioFormat != 1 || header.BitsPerSample != 16 || header.Channels != 1 {
		return errors.New("only 16-bit mono PCM is supported")
	}
	if header.SampleRate != egress.DefaultFormat.SampleRate {
		log.Warn().Int("sampleRate", header.SampleRate).Msg("WAV sample rate differs from the room format")
	}
	log.Info().
		Str("file", path).
		Int("sampleRate", header.SampleRate).
		Uint32("dataBytes", header.DataSize).
		Msg("Feeding audio file")

	frame := make([]byte, header.ByteRate()*int(frameDuration/time.Millisecond)/1000)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		n, err := io.ReadFull(f, frame)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if !loop {
				log.Info().Msg("Audio file finished")
				return nil
			}
			if _, err := f.Seek(44, io.SeekStart); err != nil {
				return err
			}
			if n == 0 {
				continue
			}
		} else if err != nil {
			return err
		}

		if device.Controller.State() != session.StateActive {
			continue
		}
		device.Gate.Process(ctx, frame[:n])
	}
}

// logConversation logs each message once it completes.
func logConversation(ctx context.Context, device *app.Device) {
	sub := device.Reconciler.Changes().Subscribe()
	defer sub.Cancel()

	logged := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-sub.C():
			if !ok {
				return
			}
			for _, m := range state.Messages {
				if m.Status != models.MessageComplete || logged[m.ID] || m.Text == "" {
					continue
				}
				logged[m.ID] = true
				role := "assistant"
				if m.IsUser {
					role = "user"
				}
				log.Info().Str("role", role).Str("text", m.Text).Msg("Message")
			}
		}
	}
}
