package agent

import (
	"sync"
	"time"

	"ai-voice-session-service/internal/models"
)

// MonitorConfig sets the inactivity thresholds.
type MonitorConfig struct {
	Interval  time.Duration
	WarnAt    time.Duration
	TimeoutAt time.Duration
}

// DefaultMonitorConfig polls every 500ms, warns at 55s and times out at 60s.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:  500 * time.Millisecond,
		WarnAt:    55 * time.Second,
		TimeoutAt: 60 * time.Second,
	}
}

// Monitor ends a voice session after a period without user turns.
type Monitor struct {
	cfg       MonitorConfig
	sessionID string
	notify    func(models.SessionNotificationEvent)
	now       func() time.Time

	mu           sync.Mutex
	lastActivity time.Time
	warned       bool
	stop         chan struct{}
	stopped      bool
	done         chan struct{}
}

// NewMonitor creates a stopped monitor. notify is called from the
// monitor goroutine.
func NewMonitor(cfg MonitorConfig, sessionID string, notify func(models.SessionNotificationEvent)) *Monitor {
	return &Monitor{
		cfg:       cfg,
		sessionID: sessionID,
		notify:    notify,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins polling.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.warned = false
	m.mu.Unlock()
	go m.run()
}

// Touch records user activity and rearms the warning.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.warned = false
	m.mu.Unlock()
}

// Stop ends polling and waits for the goroutine. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	m.mu.Unlock()
	<-m.done
}

// Done is closed when the monitor stops, after a timeout or Stop.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		elapsed := m.now().Sub(m.lastActivity)
		sendWarning := elapsed >= m.cfg.WarnAt && !m.warned
		if sendWarning {
			m.warned = true
		}
		m.mu.Unlock()

		if sendWarning {
			m.notify(models.SessionNotificationEvent{
				Type:             models.NotificationSessionWarning,
				SessionID:        m.sessionID,
				Timestamp:        time.Now(),
				RemainingSeconds: int((m.cfg.TimeoutAt - elapsed).Seconds()),
			})
		}
		if elapsed >= m.cfg.TimeoutAt {
			m.notify(models.SessionNotificationEvent{
				Type:         models.NotificationSessionTimeout,
				SessionID:    m.sessionID,
				Timestamp:    time.Now(),
				Reason:       models.ReasonInactivity,
				IdleDuration: elapsed.Seconds(),
			})
			return
		}
	}
}
