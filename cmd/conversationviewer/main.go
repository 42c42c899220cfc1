// Command conversationviewer follows the conversation Kafka topics and
// pushes every completed message and session notification to browsers
// over a websocket.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"ai-voice-session-service/internal/config"
	"ai-voice-session-service/internal/events"
	"ai-voice-session-service/internal/observability"
	"ai-voice-session-service/internal/observability/logging"
)

// viewers fans events out to connected browsers.
type viewers struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func (v *viewers) add(conn *websocket.Conn) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clients[conn] = true
	return len(v.clients)
}

func (v *viewers) remove(conn *websocket.Conn) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.clients[conn] {
		delete(v.clients, conn)
		conn.Close()
	}
	return len(v.clients)
}

func (v *viewers) broadcast(env events.Envelope) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for conn := range v.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(env); err != nil {
			log.Warn().Err(err).Msg("Viewer write failed")
			conn.Close()
			delete(v.clients, conn)
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (v *viewers) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	log.Info().Int("viewers", v.add(conn)).Msg("Viewer connected")

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		log.Info().Int("viewers", v.remove(conn)).Msg("Viewer disconnected")
	}()
}

func main() {
	addr := flag.String("http", ":8082", "HTTP listen address")
	since := flag.Duration("since", time.Hour, "Replay events this far back")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
		Service:    "conversation-viewer",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := events.NewConsumer(events.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topics:  []string{cfg.Kafka.TopicMessages, cfg.Kafka.TopicNotifications},
		Since:   *since,
	})
	defer consumer.Close()

	v := &viewers{clients: make(map[*websocket.Conn]bool)}
	go consumer.Run(ctx, func(env events.Envelope) {
		if env.Message != nil {
			log.Debug().Str("messageId", env.Message.Message.ID).Msg("Message event")
		}
		v.broadcast(env)
	})

	server := observability.NewServer(*addr, nil, func(r chi.Router) {
		r.Get("/ws", v.serveWS)
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(indexHTML))
		})
	})
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("Failed to start viewer")
	}
	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topicMessages", cfg.Kafka.TopicMessages).
		Str("topicNotifications", cfg.Kafka.TopicNotifications).
		Msg("Conversation viewer started")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

const indexHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>Conversation viewer</title>
<style>
body { font-family: sans-serif; margin: 2em; }
.msg { margin: .4em 0; }
.user { color: #1a5fb4; }
.assistant { color: #26a269; }
.notice { color: #888; font-style: italic; }
</style>
</head>
<body>
<h1>Conversation</h1>
<div id="log"></div>
<script>
const log = document.getElementById("log");
function line(cls, text) {
  const div = document.createElement("div");
  div.className = "msg " + cls;
  div.textContent = text;
  log.appendChild(div);
}
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (e) => {
  const ev = JSON.parse(e.data);
  if (ev.message) {
    const m = ev.message.message;
    line(m.isUser ? "user" : "assistant", (m.isUser ? "user: " : "assistant: ") + m.text);
  } else if (ev.notice) {
    const n = ev.notice.notification;
    line("notice", n.type + (n.reason ? " (" + n.reason + ")" : ""));
  }
};
ws.onclose = () => line("notice", "disconnected");
</script>
</body>
</html>
`
