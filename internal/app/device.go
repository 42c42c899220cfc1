package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/config"
	"ai-voice-session-service/internal/egress"
	"ai-voice-session-service/internal/events"
	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/pubsub"
	"ai-voice-session-service/internal/service/reconciler"
	"ai-voice-session-service/internal/service/recording"
	"ai-voice-session-service/internal/service/session"
	"ai-voice-session-service/internal/service/vad"
	"ai-voice-session-service/internal/settings"
	"ai-voice-session-service/internal/store"
	"ai-voice-session-service/internal/transport"
)

// Device is the component graph of the device client: the room transport,
// the voice activity gate, the turn reconciler, the session controller and
// the recording pipeline. Components receive their collaborators here;
// none of them reaches for a global.
type Device struct {
	Transport  *transport.Session
	Gate       *vad.Gate
	Reconciler *reconciler.Reconciler
	Controller *session.Controller
	Recordings *recording.Pipeline
	Settings   *settings.Provider
	Events     *events.Publisher

	store  *store.SQLiteStore
	redis  *redis.Client
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDevice builds the device graph. Nothing connects until Start.
func NewDevice(ctx context.Context, cfg *config.Configuration, opts ...transport.Option) (*Device, error) {
	logger := logging.WithSession("device-app", cfg.Transport.Room, cfg.Transport.Identity)

	rdb, err := newRedis(cfg.Redis)
	if err != nil {
		return nil, err
	}
	var settingsStore settings.Store = settings.NewMemoryStore()
	if rdb != nil {
		settingsStore = settings.NewRedisStore(rdb)
	}

	tr := transport.New(transport.Config{
		URL:                   cfg.Transport.URL,
		Room:                  cfg.Transport.Room,
		Identity:              cfg.Transport.Identity,
		Role:                  models.RoleUser,
		PingInterval:          cfg.Transport.PingInterval,
		WriteTimeout:          cfg.Transport.WriteTimeout,
		PublishTimeout:        cfg.Transport.PublishTimeout,
		AgentIdentityFallback: cfg.Transport.AgentIdentityFallback,
	}, opts...)

	prov, err := settings.NewProvider(ctx, settingsStore, cfg.Transport.Identity, tr, settings.Defaults())
	if err != nil {
		closeRedis(rdb)
		return nil, fmt.Errorf("load settings: %w", err)
	}
	// Sent with the join handshake.
	tr.UpdateMetadata(prov.Metadata())

	db, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		prov.Close()
		closeRedis(rdb)
		return nil, fmt.Errorf("open recordings store: %w", err)
	}

	publisher := events.New(&events.Config{
		Enabled:            cfg.Kafka.Enabled,
		Brokers:            cfg.Kafka.Brokers,
		TopicMessages:      cfg.Kafka.TopicMessages,
		TopicNotifications: cfg.Kafka.TopicNotifications,
		Principal:          cfg.Kafka.Principal,
		Conversation:       cfg.Transport.Room,
	})

	rec := reconciler.New(tr, reconciler.WithSink(publisher))
	ctrl := session.New(tr, cfg.Session.ReadyTimeout)

	gate := vad.New(vad.Config{
		SampleRateHz:          cfg.VAD.SampleRateHz,
		ActivationThreshold:   cfg.VAD.ActivationThreshold,
		DeactivationThreshold: cfg.VAD.DeactivationThreshold,
		PreRoll:               cfg.VAD.PreRoll,
		MinSilence:            cfg.VAD.MinSilence,
		WarningThreshold:      cfg.VAD.WarningThreshold,
		MaxDuration:           cfg.VAD.MaxDuration,
		GracePeriod:           cfg.VAD.GracePeriod,
		SendBuffer:            cfg.VAD.SendBuffer,
		ReconnectTimeout:      10 * time.Second,
	}, vad.NewEnergyDetector(), tr,
		vad.WithNotifier(tr),
		vad.WithTurnHandler(func(m vad.TurnMetrics) {
			logger.Debug().
				Dur("total", m.Total).
				Dur("transmitted", m.Transmitted).
				Float64("ratio", m.Ratio).
				Str("reason", m.Reason).
				Msg("Turn ended")
		}),
		vad.WithErrorHandler(func(err error) {
			logger.Error().Err(err).Msg("Audio send failed, buffered audio discarded")
		}),
	)

	ctrl.Observe(func(st session.State) {
		rec.SetVoiceState(st.Voice(), st.Warning())
		switch st {
		case session.StateActive:
			gate.SetSessionID(ctrl.SessionID())
		case session.StateIdle:
			gate.Flush()
		}
	})

	pipeline := recording.New(recording.Config{
		Dir:             cfg.Recording.Dir,
		Room:            cfg.Transport.Room,
		TickInterval:    cfg.Recording.TickInterval,
		WaveformRetry:   cfg.Recording.WaveformRetry,
		WaveformBuckets: cfg.Recording.WaveformBuckets,
		PlaybackChunk:   100 * time.Millisecond,
	}, egress.NewClient(cfg.Recording.EgressURL, 10*time.Second), tr, db)

	return &Device{
		Transport:  tr,
		Gate:       gate,
		Reconciler: rec,
		Controller: ctrl,
		Recordings: pipeline,
		Settings:   prov,
		Events:     publisher,
		store:      db,
		redis:      rdb,
		logger:     logger,
	}, nil
}

// Start wires the streams to their consumers and connects to the room.
// Subscriptions are taken before connecting so no event is missed.
func (d *Device) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	tr := d.Transport

	streams := reconciler.Streams{
		Transcriptions: tr.Transcriptions().Subscribe(),
		ImmediateText:  tr.ImmediateText().Subscribe(),
		Notifications:  tr.Notifications().Subscribe(),
		Status:         tr.ConnectionStatus().Subscribe(),
	}
	notes := tr.Notifications().Subscribe()
	transcripts := tr.Transcriptions().Subscribe()
	recTranscripts := tr.Transcriptions().Subscribe()
	published := tr.Notifications().Subscribe()

	d.goRun(func() { d.Reconciler.Run(runCtx, streams) })
	d.goRun(func() { d.Controller.Run(runCtx, notes, transcripts) })
	d.goRun(func() { d.Recordings.Run(runCtx, recTranscripts) })
	d.goRun(func() { d.forwardNotifications(runCtx, published) })

	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("connect to room: %w", err)
	}
	d.logger.Info().Msg("Device started")
	return nil
}

func (d *Device) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// forwardNotifications publishes every session notification to Kafka.
func (d *Device) forwardNotifications(ctx context.Context, sub *pubsub.Subscription[models.SessionNotificationEvent]) {
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := d.Events.PublishNotification(ctx, ev); err != nil {
				d.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("Notification not published")
			}
		}
	}
}

// Ready reports the device ready while the room connection is up.
func (d *Device) Ready() error {
	if st := d.Transport.Status(); st != models.StatusConnected {
		return fmt.Errorf("room connection %s", st)
	}
	return nil
}

// Shutdown stores a running recording, stops the voice session and
// releases every component.
func (d *Device) Shutdown(ctx context.Context) {
	if _, _, active := d.Recordings.Active(); active {
		if _, err := d.Recordings.StopRecording(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to store recording on shutdown")
		}
	}
	d.Controller.Shutdown(ctx)
	d.Gate.Flush()

	if err := d.Transport.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn().Err(err).Msg("Error closing transport")
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	d.Recordings.Close()
	d.Reconciler.Close()
	d.Settings.Close()
	if err := d.Events.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Error closing event publisher")
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Error closing recordings store")
	}
	closeRedis(d.redis)
	d.logger.Info().Msg("Device stopped")
}

func closeRedis(rdb *redis.Client) {
	if rdb != nil {
		_ = rdb.Close()
	}
}
