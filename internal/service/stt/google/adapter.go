// Package google provides a Google Cloud Speech-to-Text adapter.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/service/stt"
)

// Config describes the audio and recognition settings.
type Config struct {
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
}

// DefaultConfig matches the PCM the room carries: 16kHz mono LINEAR16.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

// Adapter implements stt.Adapter using Google Cloud Speech-to-Text.
type Adapter struct {
	client *speech.Client
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	stream speechpb.Speech_StreamingRecognizeClient
	cb     stt.Callback
	done   chan struct{}
}

var _ stt.Adapter = (*Adapter)(nil)

// New creates a new Google STT adapter.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Adapter{
		client: c,
		cfg:    cfg,
		logger: logging.WithComponent("stt.google"),
	}, nil
}

// Start opens a streaming recognition session, sends the config and starts
// receiving results in the background.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	stream, err := a.client.StreamingRecognize(ctx)
	if err != nil {
		return fmt.Errorf("open recognize stream: %w", err)
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        parseAudioEncoding(a.cfg.AudioEncoding),
					SampleRateHertz: int32(a.cfg.SampleRateHz),
					LanguageCode:    a.cfg.LanguageCode,
				},
				InterimResults: a.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send streaming config: %w", err)
	}

	a.mu.Lock()
	a.stream = stream
	a.cb = cb
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.listen(stream, cb, a.done)
	return nil
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil {
		return errors.New("stream not started")
	}
	return a.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
}

// Close half-closes the stream, waits for pending results and releases
// the client.
func (a *Adapter) Close() error {
	a.mu.Lock()
	stream, done := a.stream, a.done
	a.stream = nil
	a.mu.Unlock()

	if stream != nil {
		if err := stream.CloseSend(); err != nil {
			a.logger.Warn().Err(err).Msg("CloseSend failed")
		}
		<-done
	}
	return a.client.Close()
}

func (a *Adapter) listen(stream speechpb.Speech_StreamingRecognizeClient, cb stt.Callback, done chan struct{}) {
	defer close(done)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			cb.OnError(err)
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			if r.IsFinal {
				cb.OnFinal(alt.Transcript, float64(alt.Confidence))
				cb.OnEndOfUtterance()
			} else {
				cb.OnPartial(alt.Transcript)
			}
		}
	}
}

func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	if v, ok := speechpb.RecognitionConfig_AudioEncoding_value[strings.ToUpper(s)]; ok && v != 0 {
		return speechpb.RecognitionConfig_AudioEncoding(v)
	}
	return speechpb.RecognitionConfig_LINEAR16
}
