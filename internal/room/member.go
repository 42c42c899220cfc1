package room

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/transport/protocol"
)

// member is one participant in a room. Remote members own a websocket;
// local members deliver decoded frames to an in-process handler.
type member struct {
	info  models.Participant
	track string

	conn    *websocket.Conn
	handler func(msg any)

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newMember(info models.Participant, queueSize int) *member {
	return &member{
		info: info,
		out:  make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// enqueue queues a text frame. A full queue closes the member and is
// reported as an overflow; frames for a closed member are dropped.
func (m *member) enqueue(frame []byte) (overflow bool) {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.out <- frame:
		return false
	default:
		m.close()
		return true
	}
}

// close signals the member's loops to stop. For remote members the write
// loop then sends a close frame and closes the socket.
func (m *member) close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
}

// writeLoop drains the outbound queue onto the websocket and keeps the
// connection alive with pings.
func (m *member) writeLoop(writeTimeout, pingInterval time.Duration) {
	defer m.conn.Close()

	var ping <-chan time.Time
	if pingInterval > 0 {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case <-m.done:
			_ = m.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case <-ping:
			if err := m.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				m.close()
				return
			}
		case frame := <-m.out:
			if err := m.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				m.close()
				return
			}
			if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				m.close()
				return
			}
		}
	}
}

// deliverLoop hands frames to a local participant's handler.
func (m *member) deliverLoop() {
	for {
		select {
		case <-m.done:
			return
		case frame := <-m.out:
			if m.handler == nil {
				continue
			}
			msg, err := protocol.DecodeServerMessage(frame)
			if err != nil {
				continue
			}
			m.handler(msg)
		}
	}
}
