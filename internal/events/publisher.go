// Package events publishes conversation events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/metrics"
)

// Event types carried in the eventType header and payload.
const (
	EventMessageCompleted = "conversation.message.completed"
	EventSessionNotice    = "session.notification"
)

// MessageCompleted is published once per conversation message that reaches
// the complete status.
type MessageCompleted struct {
	EventType    string                     `json:"eventType"`
	Conversation string                     `json:"conversation"`
	Principal    string                     `json:"principal"`
	Timestamp    int64                      `json:"timestamp"`
	Message      models.ConversationMessage `json:"message"`
}

// SessionNotice is published for every session lifecycle notification.
type SessionNotice struct {
	EventType    string                          `json:"eventType"`
	Conversation string                          `json:"conversation"`
	Principal    string                          `json:"principal"`
	Timestamp    int64                           `json:"timestamp"`
	Notification models.SessionNotificationEvent `json:"notification"`
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes conversation events to separate Kafka topics.
type Publisher struct {
	writerMessages      messageWriter
	writerNotifications messageWriter
	principal           string
	conversation        string
	topicMessages       string
	topicNotifications  string
	enabled             bool
	metrics             *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers            []string
	TopicMessages      string
	TopicNotifications string
	Principal          string
	// Conversation keys every message, normally the room name.
	Conversation string
	Enabled      bool
}

// New creates a Kafka publisher. A nil or disabled config yields a
// log-only publisher.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled: false,
			metrics: m,
		}
	}

	p := &Publisher{
		principal:          cfg.Principal,
		conversation:       cfg.Conversation,
		topicMessages:      cfg.TopicMessages,
		topicNotifications: cfg.TopicNotifications,
		metrics:            m,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerMessages = newWriter(cfg.Brokers, cfg.TopicMessages, transport)
	p.writerNotifications = newWriter(cfg.Brokers, cfg.TopicNotifications, transport)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicMessages", cfg.TopicMessages).
		Str("topicNotifications", cfg.TopicNotifications).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// MessageCompleted publishes a completed conversation message. It satisfies
// the reconciler's completion sink.
func (p *Publisher) MessageCompleted(ctx context.Context, msg models.ConversationMessage) {
	if err := p.PublishMessage(ctx, msg); err != nil {
		log.Warn().Err(err).Str("messageId", msg.ID).Msg("Completed message not published")
	}
}

// PublishMessage publishes a completed conversation message.
func (p *Publisher) PublishMessage(ctx context.Context, msg models.ConversationMessage) error {
	ev := MessageCompleted{
		EventType:    EventMessageCompleted,
		Conversation: p.conversation,
		Principal:    p.principal,
		Timestamp:    time.Now().UnixMilli(),
		Message:      msg,
	}
	return p.publish(ctx, p.writerMessages, p.topicMessages, EventMessageCompleted, p.conversation, ev)
}

// PublishNotification publishes a session notification.
func (p *Publisher) PublishNotification(ctx context.Context, n models.SessionNotificationEvent) error {
	ev := SessionNotice{
		EventType:    EventSessionNotice,
		Conversation: p.conversation,
		Principal:    p.principal,
		Timestamp:    time.Now().UnixMilli(),
		Notification: n,
	}
	return p.publish(ctx, p.writerNotifications, p.topicNotifications, string(n.Type), p.conversation, ev)
}

func (p *Publisher) publish(ctx context.Context, writer messageWriter, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerMessages != nil {
		if e := p.writerMessages.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing messages writer")
			err = e
		}
	}
	if p.writerNotifications != nil {
		if e := p.writerNotifications.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing notifications writer")
			err = e
		}
	}
	return err
}
