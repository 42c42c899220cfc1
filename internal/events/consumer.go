package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"ai-voice-session-service/internal/observability/logging"
)

// ErrUnknownEvent is returned for payloads with an unrecognized eventType.
var ErrUnknownEvent = errors.New("unknown event type")

// Envelope is one decoded event from either topic.
type Envelope struct {
	Topic   string            `json:"topic"`
	Offset  int64             `json:"offset"`
	Message *MessageCompleted `json:"message,omitempty"`
	Notice  *SessionNotice    `json:"notice,omitempty"`
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ConsumerConfig selects the topics to follow.
type ConsumerConfig struct {
	Brokers []string
	Topics  []string
	// Since rewinds each partition reader this far before following.
	Since time.Duration
}

// Consumer follows the conversation topics and decodes their events.
type Consumer struct {
	readers map[string]messageReader
	since   time.Duration
	logger  zerolog.Logger
}

// NewConsumer creates one partition-0 reader per topic. No consumer group
// is used, so every viewer sees every event.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	c := &Consumer{
		readers: make(map[string]messageReader, len(cfg.Topics)),
		since:   cfg.Since,
		logger:  logging.WithComponent("kafka-consumer"),
	}
	for _, topic := range cfg.Topics {
		c.readers[topic] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:   cfg.Brokers,
			Topic:     topic,
			Partition: 0,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
	}
	return c
}

// Decode parses a message published by Publisher.
func Decode(msg kafka.Message) (Envelope, error) {
	var head struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(msg.Value, &head); err != nil {
		return Envelope{}, fmt.Errorf("decode event: %w", err)
	}

	env := Envelope{Topic: msg.Topic, Offset: msg.Offset}
	switch head.EventType {
	case EventMessageCompleted:
		var ev MessageCompleted
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return Envelope{}, fmt.Errorf("decode %s: %w", head.EventType, err)
		}
		env.Message = &ev
	case EventSessionNotice:
		var ev SessionNotice
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return Envelope{}, fmt.Errorf("decode %s: %w", head.EventType, err)
		}
		env.Notice = &ev
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, head.EventType)
	}
	return env, nil
}

// Run reads every topic until ctx ends, passing decoded events to handle.
// handle may be called from several goroutines at once.
func (c *Consumer) Run(ctx context.Context, handle func(Envelope)) {
	var wg sync.WaitGroup
	for topic, r := range c.readers {
		wg.Add(1)
		go func(topic string, r messageReader) {
			defer wg.Done()
			c.follow(ctx, topic, r, handle)
		}(topic, r)
	}
	wg.Wait()
}

func (c *Consumer) follow(ctx context.Context, topic string, r messageReader, handle func(Envelope)) {
	logger := c.logger.With().Str("topic", topic).Logger()
	if kr, ok := r.(*kafka.Reader); ok && c.since > 0 {
		if err := kr.SetOffsetAt(ctx, time.Now().Add(-c.since)); err != nil {
			logger.Warn().Err(err).Msg("Failed to rewind reader")
		}
	}
	logger.Info().Dur("since", c.since).Msg("Consuming topic")

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		env, err := Decode(msg)
		if err != nil {
			logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping undecodable event")
			continue
		}
		handle(env)
	}
}

// Close closes every reader.
func (c *Consumer) Close() error {
	var err error
	for topic, r := range c.readers {
		if e := r.Close(); e != nil {
			c.logger.Error().Err(e).Str("topic", topic).Msg("Error closing reader")
			err = e
		}
	}
	return err
}
