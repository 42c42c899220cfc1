package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Conversation roles stored in history.
const (
	TurnUser      = "user"
	TurnAssistant = "assistant"
)

// Turn is one message of the conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Responder streams an assistant reply to the last user turn in history.
// emit is called once per chunk in order; the full reply is returned.
type Responder interface {
	Respond(ctx context.Context, model string, history []Turn, emit func(chunk string)) (string, error)
}

// OpenAIResponder streams replies from an OpenAI-compatible endpoint.
type OpenAIResponder struct {
	client       *openai.Client
	systemPrompt string
	maxTokens    int
}

// NewOpenAIResponder creates a responder. An empty baseURL uses the
// OpenAI API.
func NewOpenAIResponder(apiKey, baseURL, systemPrompt string) *OpenAIResponder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIResponder{
		client:       openai.NewClientWithConfig(cfg),
		systemPrompt: systemPrompt,
		maxTokens:    300,
	}
}

func (r *OpenAIResponder) messages(history []Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if r.systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: r.systemPrompt,
		})
	}
	for _, t := range history {
		role := openai.ChatMessageRoleUser
		if t.Role == TurnAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return msgs
}

func (r *OpenAIResponder) Respond(ctx context.Context, model string, history []Turn, emit func(string)) (string, error) {
	stream, err := r.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  r.messages(history),
		Stream:    true,
		MaxTokens: r.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("create completion stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("receive completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		chunk := resp.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		emit(chunk)
	}
	if full.Len() == 0 {
		return "", errors.New("empty completion")
	}
	return full.String(), nil
}

// ScriptedResponder answers without a language model. It is used when no
// API key is configured.
type ScriptedResponder struct{}

func (ScriptedResponder) Respond(ctx context.Context, _ string, history []Turn, emit func(string)) (string, error) {
	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == TurnUser {
			last = history[i].Content
			break
		}
	}
	reply := "I heard: " + last
	if last == "" {
		reply = "I didn't catch that."
	}

	words := strings.Fields(reply)
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if i > 0 {
			w = " " + w
		}
		emit(w)
	}
	return reply, nil
}
