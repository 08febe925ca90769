package helper

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/cuidado/internal/upstream"
)

// #region limits
const (
	maxTaskChars    = 6000
	maxContextChars = 2000
	maxContextItems = 8
	maxDraftChars   = 6000
	maxOutputChars  = 6000
)

const systemPrompt = "You are a senior assistant that refines answers for clarity, factual care, and succinct structure. " +
	"Return ONLY the improved final answer, no reasoning steps. Use bullets/sections where helpful. " +
	"If the question is risky (medical/finance/legal), include a brief disclaimer and safer alternatives."

// #endregion limits

// #region types
// Request carries what the helper needs to refine a local draft.
type Request struct {
	Task    string
	Context []string
	Draft   string
}

// Refiner is the helper model contract.
type Refiner interface {
	Refine(ctx context.Context, req Request) (string, error)
}

// Config configures the OpenAI-compatible endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultConfig returns gpt-4o-mini with a 30s timeout.
func DefaultConfig() Config {
	return Config{Model: "gpt-4o-mini", Timeout: 30 * time.Second}
}

// ErrMissingKey is returned when no API key is configured.
var ErrMissingKey = errors.New("missing api key")

// #endregion types

// #region client
// OpenAIRefiner calls a chat-completions endpoint to polish drafts.
type OpenAIRefiner struct {
	client openai.Client
	cfg    Config
	logger *zap.Logger
}

// NewOpenAIRefiner builds a refiner. A missing key is reported at call time
// so a disabled helper can still be constructed.
func NewOpenAIRefiner(cfg Config, logger *zap.Logger) *OpenAIRefiner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIRefiner{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}
}

// #endregion client

// #region refine
// Refine returns the helper's improved answer, clipped to the output limit.
func (r *OpenAIRefiner) Refine(ctx context.Context, req Request) (string, error) {
	if r.cfg.APIKey == "" {
		return "", &upstream.Error{Service: "helper", Op: "refine", Err: ErrMissingKey}
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(r.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(UserPrompt(req)),
		},
		Temperature: openai.Float(0.5),
		TopP:        openai.Float(0.9),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", upstream.WithStatus("helper", "refine", apiErr.StatusCode, err)
		}
		return "", upstream.FromContext(ctx, "helper", "refine", err)
	}
	if len(resp.Choices) == 0 {
		return "", upstream.Malformed("helper", "refine", "no choices")
	}

	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", upstream.Malformed("helper", "refine", "empty content")
	}
	r.logger.Debug("helper refined draft",
		zap.String("model", r.cfg.Model),
		zap.Int("draft_chars", len(req.Draft)),
		zap.Int("answer_chars", len(out)),
	)
	return Clip(out, maxOutputChars), nil
}

// #endregion refine

// #region prompt
// UserPrompt renders the clipped task, context bullets and draft.
func UserPrompt(req Request) string {
	items := req.Context
	if len(items) > maxContextItems {
		items = items[:maxContextItems]
	}
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(Clip(req.Task, maxTaskChars))
	b.WriteString("\nContext:\n")
	b.WriteString(Clip(strings.Join(items, "\n"), maxContextChars))
	b.WriteString("\nLocal draft to refine:\n")
	b.WriteString(Clip(req.Draft, maxDraftChars))
	return b.String()
}

// Clip truncates s to n characters, marking the cut with an ellipsis.
func Clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// #endregion prompt
