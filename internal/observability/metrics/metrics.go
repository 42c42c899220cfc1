// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice_session"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Stream metrics
	StreamsTotal   prometheus.Counter
	StreamsActive  prometheus.Gauge
	StreamsSuccess prometheus.Counter
	StreamsFailed  prometheus.Counter
	StreamDuration prometheus.Histogram

	// Voice activity gate metrics
	GateTurns             prometheus.Counter
	GateTurnDuration      *prometheus.HistogramVec
	GateTransmissionRatio prometheus.Histogram
	GateNotifications     *prometheus.CounterVec
	GateSendFailures      *prometheus.CounterVec

	// Transport metrics
	TransportStatus       *prometheus.CounterVec
	TransportEvents       *prometheus.CounterVec
	TransportDecodeErrors *prometheus.CounterVec
	AudioBytesSent        prometheus.Counter

	// Conversation metrics
	MessagesCreated   *prometheus.CounterVec
	MessagesCompleted *prometheus.CounterVec
	SessionTransition *prometheus.CounterVec

	// Recording metrics
	RecordingsTotal    *prometheus.CounterVec
	RecordingDuration  prometheus.Histogram
	WaveformRetries    prometheus.Counter
	WaveformExtracted  *prometheus.CounterVec
	EgressActive       prometheus.Gauge
	EgressRequests     *prometheus.CounterVec

	// Room metrics
	RoomParticipants   prometheus.Gauge
	RoomFramesRelayed  *prometheus.CounterVec
	RoomQueueOverflows prometheus.Counter

	// Segment metrics
	SegmentsCreated   prometheus.Counter
	SegmentsCompleted prometheus.Counter
	SegmentsDropped   *prometheus.CounterVec

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// STT metrics
	STTErrors         *prometheus.CounterVec
	STTUtteranceCount prometheus.Counter

	// Agent metrics
	AgentSessionsActive prometheus.Gauge
	AgentNotifications  *prometheus.CounterVec
	AgentResponses      *prometheus.CounterVec
	LLMLatency          *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Stream metrics
		StreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of gRPC streams started",
		}),
		StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active gRPC streams",
		}),
		StreamsSuccess: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_success_total",
			Help:      "Total number of successfully completed streams",
		}),
		StreamsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total number of failed streams",
		}),
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of gRPC streams in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		// Voice activity gate metrics
		GateTurns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_turns_total",
			Help:      "Total number of speech turns finalized by the voice activity gate",
		}),
		GateTurnDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_turn_duration_seconds",
			Help:      "Turn audio duration split by total, transmitted and filtered",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 45, 60, 90},
		}, []string{"kind"}),
		GateTransmissionRatio: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_transmission_ratio",
			Help:      "Transmitted share of audio observed during a turn",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		}),
		GateNotifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_notifications_total",
			Help:      "Session notifications emitted by the voice activity gate",
		}, []string{"type"}),
		GateSendFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_send_failures_total",
			Help:      "Audio send failures handled by the gate, by outcome",
		}, []string{"outcome"}),

		// Transport metrics
		TransportStatus: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_status_changes_total",
			Help:      "Connection status transitions of the transport session",
		}, []string{"status"}),
		TransportEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_events_total",
			Help:      "Inbound events demultiplexed by topic",
		}, []string{"topic"}),
		TransportDecodeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded",
		}, []string{"reason"}),
		AudioBytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_sent_total",
			Help:      "Total audio bytes sent on the published track",
		}),

		// Conversation metrics
		MessagesCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_created_total",
			Help:      "Conversation messages created by the reconciler",
		}, []string{"role"}),
		MessagesCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_completed_total",
			Help:      "Conversation messages completed by the reconciler",
		}, []string{"role"}),
		SessionTransition: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session controller state transitions",
		}, []string{"from", "to"}),

		// Recording metrics
		RecordingsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Recording pipeline operations by outcome",
		}, []string{"operation", "outcome"}),
		RecordingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_duration_seconds",
			Help:      "Duration of stored recordings",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		WaveformRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waveform_retries_total",
			Help:      "Waveform extraction attempts that found the file not ready",
		}),
		WaveformExtracted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waveform_extractions_total",
			Help:      "Waveform extraction attempts by result",
		}, []string{"result"}),
		EgressActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "egress_active",
			Help:      "Number of track egress sessions currently writing",
		}),
		EgressRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_requests_total",
			Help:      "Egress RPCs served by method and status",
		}, []string{"method", "status"}),

		// Room metrics
		RoomParticipants: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_participants",
			Help:      "Participants connected across all rooms",
		}),
		RoomFramesRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_frames_relayed_total",
			Help:      "Frames relayed by the room hub",
		}, []string{"kind"}),
		RoomQueueOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_queue_overflows_total",
			Help:      "Connections closed because their outbound queue overflowed",
		}),

		// Segment metrics
		SegmentsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_created_total",
			Help:      "Total number of transcription segments created",
		}),
		SegmentsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_completed_total",
			Help:      "Total number of segments completed with final transcript",
		}),
		SegmentsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dropped_total",
			Help:      "Total number of segments dropped",
		}, []string{"reason"}),

		// Transcript metrics
		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts received",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts received",
		}),

		// Audio metrics
		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		// STT metrics
		STTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
		STTUtteranceCount: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_utterances_total",
			Help:      "Total number of utterances detected",
		}),

		// Agent metrics
		AgentSessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_sessions_active",
			Help:      "Voice sessions the agent is currently serving",
		}),
		AgentNotifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_notifications_total",
			Help:      "Session notifications sent by the agent",
		}, []string{"type"}),
		AgentResponses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_responses_total",
			Help:      "Assistant responses streamed by the agent, by outcome",
		}, []string{"outcome"}),
		LLMLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_latency_seconds",
			Help:      "Time from request to first token and to completion",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
	}
}

// RecordStreamStart records a new stream starting.
func (m *Metrics) RecordStreamStart() {
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
}

// RecordStreamEnd records a stream ending.
func (m *Metrics) RecordStreamEnd(success bool, durationSeconds float64) {
	m.StreamsActive.Dec()
	m.StreamDuration.Observe(durationSeconds)
	if success {
		m.StreamsSuccess.Inc()
	} else {
		m.StreamsFailed.Inc()
	}
}

// RecordTurn records the turn-end summary of the voice activity gate.
func (m *Metrics) RecordTurn(totalSeconds, transmittedSeconds, filteredSeconds, ratio float64) {
	m.GateTurns.Inc()
	m.GateTurnDuration.WithLabelValues("total").Observe(totalSeconds)
	m.GateTurnDuration.WithLabelValues("transmitted").Observe(transmittedSeconds)
	m.GateTurnDuration.WithLabelValues("filtered").Observe(filteredSeconds)
	m.GateTransmissionRatio.Observe(ratio)
}

// RecordGateNotification records a warning or timeout emitted by the gate.
func (m *Metrics) RecordGateNotification(notificationType string) {
	m.GateNotifications.WithLabelValues(notificationType).Inc()
}

// RecordSendFailure records how the gate resolved a failed send.
func (m *Metrics) RecordSendFailure(outcome string) {
	m.GateSendFailures.WithLabelValues(outcome).Inc()
}

// RecordConnectionStatus records a transport status transition.
func (m *Metrics) RecordConnectionStatus(status string) {
	m.TransportStatus.WithLabelValues(status).Inc()
}

// RecordInboundEvent records an inbound event on a topic.
func (m *Metrics) RecordInboundEvent(topic string) {
	m.TransportEvents.WithLabelValues(topic).Inc()
}

// RecordDecodeError records a dropped inbound frame.
func (m *Metrics) RecordDecodeError(reason string) {
	m.TransportDecodeErrors.WithLabelValues(reason).Inc()
}

// RecordAudioSent records bytes sent on the published track.
func (m *Metrics) RecordAudioSent(bytes int) {
	m.AudioBytesSent.Add(float64(bytes))
}

// RecordMessageCreated records a new conversation message.
func (m *Metrics) RecordMessageCreated(role string) {
	m.MessagesCreated.WithLabelValues(role).Inc()
}

// RecordMessageCompleted records a conversation message reaching complete.
func (m *Metrics) RecordMessageCompleted(role string) {
	m.MessagesCompleted.WithLabelValues(role).Inc()
}

// RecordSessionTransition records a session controller transition.
func (m *Metrics) RecordSessionTransition(from, to string) {
	m.SessionTransition.WithLabelValues(from, to).Inc()
}

// RecordRecording records a recording pipeline operation.
func (m *Metrics) RecordRecording(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.RecordingsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordRecordingStored records the duration of a persisted recording.
func (m *Metrics) RecordRecordingStored(durationSeconds float64) {
	m.RecordingDuration.Observe(durationSeconds)
}

// RecordWaveform records a waveform extraction attempt.
func (m *Metrics) RecordWaveform(result string) {
	m.WaveformExtracted.WithLabelValues(result).Inc()
	if result == "not_ready" {
		m.WaveformRetries.Inc()
	}
}

// RecordEgressRequest records an egress RPC.
func (m *Metrics) RecordEgressRequest(method, status string) {
	m.EgressRequests.WithLabelValues(method, status).Inc()
}

// RecordParticipantJoined records a participant joining a room.
func (m *Metrics) RecordParticipantJoined() {
	m.RoomParticipants.Inc()
}

// RecordParticipantLeft records a participant leaving a room.
func (m *Metrics) RecordParticipantLeft() {
	m.RoomParticipants.Dec()
}

// RecordFrameRelayed records a frame fanned out by the room hub.
func (m *Metrics) RecordFrameRelayed(kind string) {
	m.RoomFramesRelayed.WithLabelValues(kind).Inc()
}

// RecordQueueOverflow records a connection dropped for falling behind.
func (m *Metrics) RecordQueueOverflow() {
	m.RoomQueueOverflows.Inc()
}

// RecordSegmentCreated records a new segment being created.
func (m *Metrics) RecordSegmentCreated() {
	m.SegmentsCreated.Inc()
}

// RecordSegmentCompleted records a segment completed with final transcript.
func (m *Metrics) RecordSegmentCompleted() {
	m.SegmentsCompleted.Inc()
}

// RecordSegmentDropped records a segment being dropped.
func (m *Metrics) RecordSegmentDropped(reason string) {
	m.SegmentsDropped.WithLabelValues(reason).Inc()
}

// RecordPartialTranscript records a partial transcript received.
func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordFinalTranscript records a final transcript received.
func (m *Metrics) RecordFinalTranscript() {
	m.TranscriptsFinal.Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}

// RecordUtterance records an utterance boundary detection.
func (m *Metrics) RecordUtterance() {
	m.STTUtteranceCount.Inc()
}

// RecordAgentSession records an agent voice session starting or ending.
func (m *Metrics) RecordAgentSession(started bool) {
	if started {
		m.AgentSessionsActive.Inc()
		return
	}
	m.AgentSessionsActive.Dec()
}

// RecordAgentNotification records a session notification sent by the agent.
func (m *Metrics) RecordAgentNotification(notificationType string) {
	m.AgentNotifications.WithLabelValues(notificationType).Inc()
}

// RecordAgentResponse records a streamed response and its latencies.
func (m *Metrics) RecordAgentResponse(err error, firstTokenSeconds, totalSeconds float64) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.AgentResponses.WithLabelValues(outcome).Inc()
	if firstTokenSeconds > 0 {
		m.LLMLatency.WithLabelValues("first_token").Observe(firstTokenSeconds)
	}
	m.LLMLatency.WithLabelValues("total").Observe(totalSeconds)
}

// RecordEgressActive tracks egress sessions writing to disk.
func (m *Metrics) RecordEgressActive(started bool) {
	if started {
		m.EgressActive.Inc()
		return
	}
	m.EgressActive.Dec()
}
