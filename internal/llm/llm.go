package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/cuidado/internal/upstream"
)

// #region types
// Message is one chat turn sent to the primary model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the sampling parameters for a chat call.
type Options struct {
	Temperature float64
	TopP        float64
}

// DefaultOptions returns temperature 0.7 and top_p 0.9.
func DefaultOptions() Options {
	return Options{Temperature: 0.7, TopP: 0.9}
}

// Chatter is the primary model contract. Calls are non-streaming.
type Chatter interface {
	Chat(ctx context.Context, msgs []Message, opts Options) (string, error)
}

// Config selects the Ollama host and model.
type Config struct {
	Host    string
	Model   string
	Timeout time.Duration
}

// DefaultConfig returns a local Ollama with mistral:7b-instruct.
func DefaultConfig() Config {
	return Config{
		Host:    "http://127.0.0.1:11434",
		Model:   "mistral:7b-instruct",
		Timeout: 60 * time.Second,
	}
}

// #endregion types

// #region client
// OllamaClient talks to an Ollama server's chat endpoint.
type OllamaClient struct {
	api     *api.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewOllamaClient builds a client for cfg.Host.
func NewOllamaClient(cfg Config, logger *zap.Logger) (*OllamaClient, error) {
	base, err := ParseHost(cfg.Host)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	return &OllamaClient{
		api:     api.NewClient(base, http.DefaultClient),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// ParseHost accepts "host:port" or a full URL.
func ParseHost(host string) (*url.URL, error) {
	if host == "" {
		host = DefaultConfig().Host
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", host, err)
	}
	return u, nil
}

// Model returns the configured model name.
func (c *OllamaClient) Model() string {
	return c.model
}

// #endregion client

// #region chat
// Chat sends msgs and returns the assistant text. A 5xx status is retried once.
func (c *OllamaClient) Chat(ctx context.Context, msgs []Message, opts Options) (string, error) {
	text, err := c.chatOnce(ctx, msgs, opts)
	if err != nil && retryable(err) && ctx.Err() == nil {
		c.logger.Warn("ollama chat failed, retrying once", zap.String("model", c.model), zap.Error(err))
		text, err = c.chatOnce(ctx, msgs, opts)
	}
	return text, err
}

func (c *OllamaClient) chatOnce(ctx context.Context, msgs []Message, opts Options) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: toAPIMessages(msgs),
		Stream:   &stream,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"top_p":       opts.TopP,
		},
	}

	var sb strings.Builder
	err := c.api.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", WrapStatus(ctx, "chat", err)
	}
	return sb.String(), nil
}

func toAPIMessages(msgs []Message) []api.Message {
	out := make([]api.Message, len(msgs))
	for i, m := range msgs {
		out[i] = api.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// #endregion chat

// #region errors
// WrapStatus converts an ollama StatusError into an upstream.Error with its status.
func WrapStatus(ctx context.Context, op string, err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		return upstream.WithStatus("ollama", op, se.StatusCode, err)
	}
	return upstream.FromContext(ctx, "ollama", op, err)
}

func retryable(err error) bool {
	var ue *upstream.Error
	return errors.As(err, &ue) && ue.Status >= 500 && ue.Status <= 599
}

// #endregion errors
