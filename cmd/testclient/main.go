// Command testclient is a text-only room participant. Each stdin line is
// sent to the agent as a chat message and the reconciled conversation is
// printed as messages complete.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"ai-voice-session-service/internal/config"
	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/pubsub"
	"ai-voice-session-service/internal/service/reconciler"
	"ai-voice-session-service/internal/transport"
)

func main() {
	identity := flag.String("identity", "testclient-"+time.Now().Format("150405"), "Participant identity")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	logging.Init(logging.Config{
		Level:      "warn",
		Format:     "console",
		TimeFormat: time.Kitchen,
		Service:    "testclient",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := transport.New(transport.Config{
		URL:                   cfg.Transport.URL,
		Room:                  cfg.Transport.Room,
		Identity:              *identity,
		Role:                  models.RoleUser,
		PingInterval:          cfg.Transport.PingInterval,
		WriteTimeout:          cfg.Transport.WriteTimeout,
		PublishTimeout:        cfg.Transport.PublishTimeout,
		AgentIdentityFallback: cfg.Transport.AgentIdentityFallback,
	})
	rec := reconciler.New(tr)

	streams := reconciler.Streams{
		Transcriptions: tr.Transcriptions().Subscribe(),
		ImmediateText:  tr.ImmediateText().Subscribe(),
		Notifications:  tr.Notifications().Subscribe(),
		Status:         tr.ConnectionStatus().Subscribe(),
	}
	changes := rec.Changes().Subscribe()
	go rec.Run(ctx, streams)
	go printCompleted(ctx, changes)

	if err := tr.Connect(ctx); err != nil {
		log.Fatal().Err(err).Str("url", cfg.Transport.URL).Msg("Failed to join room")
	}
	fmt.Printf("Joined %s as %s. Type a message, /clear or /quit.\n", cfg.Transport.Room, *identity)
	if !tr.AgentPresent() {
		fmt.Println("(no agent in the room yet)")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			switch text := strings.TrimSpace(line); text {
			case "":
			case "/quit":
				break loop
			case "/clear":
				rec.Clear()
			default:
				if err := rec.SubmitText(ctx, text); err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				}
			}
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tr.Close(closeCtx)
	rec.Close()
}

func printCompleted(ctx context.Context, changes *pubsub.Subscription[models.ChatSessionState]) {
	defer changes.Cancel()
	printed := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-changes.C():
			if !ok {
				return
			}
			for _, m := range state.Messages {
				if m.Status != models.MessageComplete || printed[m.ID] || m.Text == "" {
					continue
				}
				printed[m.ID] = true
				who := "agent"
				if m.IsUser {
					who = "you"
				}
				fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), who, m.Text)
			}
		}
	}
}
