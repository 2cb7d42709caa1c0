// Package backends holds the concrete router.Backend implementations:
// OpenAI-compatible chat services and a file-based handoff writer.
package backends

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"steward/internal/router"
)

const (
	PerplexityURL   = "https://api.perplexity.ai"
	PerplexityModel = "llama-3.1-sonar-large-128k-online"
	AbacusURL       = "https://routellm.abacus.ai/v1"
	AbacusModel     = "deepseek-r1"

	PerplexitySystem = "You are a personal assistant. Answer with current, sourced information."
	AbacusSystem     = "Process this data for the user's project."
)

// ChatConfig configures an OpenAI-compatible chat completion backend.
type ChatConfig struct {
	ID          string
	BaseURL     string
	APIKey      string
	Model       string
	System      string
	MaxTokens   int
	Temperature float32
	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// ChatBackend sends the prompt as one user message, prefixed by an optional
// system message. A non-empty answer is a success.
type ChatBackend struct {
	id     string
	client *openai.Client
	cfg    ChatConfig
}

func NewChat(cfg ChatConfig) (*ChatBackend, error) {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		return nil, errors.New("backend id is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("backend %s: api key is required", cfg.ID)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("backend %s: model is required", cfg.ID)
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return &ChatBackend{id: cfg.ID, client: openai.NewClientWithConfig(oc), cfg: cfg}, nil
}

// NewPerplexity returns a chat backend for Perplexity's online models. Empty
// fields of cfg take the Perplexity defaults.
func NewPerplexity(cfg ChatConfig) (*ChatBackend, error) {
	cfg.BaseURL = orDefault(cfg.BaseURL, PerplexityURL)
	cfg.Model = orDefault(cfg.Model, PerplexityModel)
	cfg.System = orDefault(cfg.System, PerplexitySystem)
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	return NewChat(cfg)
}

// NewAbacus returns a chat backend for Abacus.AI RouteLLM.
func NewAbacus(cfg ChatConfig) (*ChatBackend, error) {
	cfg.BaseURL = orDefault(cfg.BaseURL, AbacusURL)
	cfg.Model = orDefault(cfg.Model, AbacusModel)
	cfg.System = orDefault(cfg.System, AbacusSystem)
	return NewChat(cfg)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (b *ChatBackend) ID() string { return b.id }

// BaseURL is the endpoint the client talks to.
func (b *ChatBackend) BaseURL() string {
	if b.cfg.BaseURL == "" {
		return openai.DefaultConfig("").BaseURL
	}
	return b.cfg.BaseURL
}

func (b *ChatBackend) Execute(ctx context.Context, req router.Request) (router.Response, error) {
	system := b.cfg.System
	if c := strings.TrimSpace(req.Meta["context"]); c != "" {
		system = strings.TrimSpace(system + " Context: " + c)
	}
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.cfg.Model,
		Messages:    msgs,
		MaxTokens:   b.cfg.MaxTokens,
		Temperature: b.cfg.Temperature,
	})
	if err != nil {
		return router.Response{}, fmt.Errorf("%s: %w", b.id, err)
	}
	if len(resp.Choices) == 0 {
		return router.Response{BackendID: b.id, Success: false}, nil
	}
	choice := resp.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	score := finishScore(string(choice.FinishReason))
	if content == "" {
		score = 0
	}
	return router.Response{
		BackendID: b.id,
		Content:   content,
		Success:   content != "",
		Score:     score,
		Meta: map[string]string{
			"model":         resp.Model,
			"finish_reason": string(choice.FinishReason),
			"total_tokens":  fmt.Sprint(resp.Usage.TotalTokens),
		},
	}, nil
}

// finishScore grades a completion by how it ended: a natural stop is a full
// success, a truncated answer a partial one.
func finishScore(reason string) float64 {
	switch reason {
	case "", "stop":
		return 1
	case "length":
		return 0.7
	default:
		return 0.5
	}
}

// Health lists models, which needs a valid key and a reachable endpoint.
func (b *ChatBackend) Health(ctx context.Context) (router.HealthStatus, error) {
	start := time.Now()
	models, err := b.client.ListModels(ctx)
	lat := time.Since(start)
	if err != nil {
		return router.HealthStatus{OK: false, Latency: lat, Detail: err.Error()}, fmt.Errorf("%s: %w", b.id, err)
	}
	return router.HealthStatus{OK: true, Latency: lat, Detail: fmt.Sprintf("%d models", len(models.Models))}, nil
}
