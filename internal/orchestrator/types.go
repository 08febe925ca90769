package orchestrator

// #region imports
import (
	"context"
	"errors"
	"time"

	"github.com/danielpatrickdp/cuidado/internal/llm"
	"github.com/danielpatrickdp/cuidado/internal/memory"
	"github.com/danielpatrickdp/cuidado/internal/planner"
	"github.com/danielpatrickdp/cuidado/internal/policy"
	"github.com/danielpatrickdp/cuidado/internal/retrieval"
	"github.com/danielpatrickdp/cuidado/internal/safety"
	"github.com/danielpatrickdp/cuidado/internal/signals"
)

// #endregion

// #region errors

// ErrEmptyMessage is returned for a blank user message before any work runs.
var ErrEmptyMessage = errors.New("empty message")

// #endregion

// #region store

// Store is the persistence the pipeline needs. *memory.Store satisfies it.
type Store interface {
	ListRecent(ctx context.Context, limit int) ([]memory.Fragment, error)
	Append(ctx context.Context, text string, tags []string, trust float64) (memory.Fragment, error)
	BackfillEmbeddings(ctx context.Context, frags []memory.Fragment, embedder memory.Embedder) (int, error)
	RecordOutcome(ctx context.Context, card memory.OutcomeCard) (memory.OutcomeCard, error)
	MineConcepts(ctx context.Context, f memory.Fragment) ([]memory.Concept, error)
	RelatedConcepts(ctx context.Context, fragmentIDs []string, limit int) ([]memory.Concept, error)
}

// #endregion

// #region config

// Config holds the per-turn knobs.
type Config struct {
	ModelName       string
	RecentLimit     int
	TopK            int
	ContextClip     int
	RelatedConcepts int
	HelperBullet    int
	TokenBudget     int
	TaskHint        string
	Chat            llm.Options
	Retrieval       retrieval.Params
	Planner         planner.Config
	Signals         signals.Config
	TherapyMode     policy.TherapyMode
}

// DefaultConfig mirrors the defaults of each stage.
func DefaultConfig() Config {
	return Config{
		ModelName:       llm.DefaultConfig().Model,
		RecentLimit:     600,
		TopK:            6,
		ContextClip:     320,
		RelatedConcepts: 8,
		HelperBullet:    280,
		TokenBudget:     policy.DefaultTokenBudget,
		TaskHint:        "General assistant turn with retrieved context.",
		Chat:            llm.DefaultOptions(),
		Retrieval:       retrieval.DefaultParams(),
		Planner:         planner.DefaultConfig(),
		Signals:         signals.DefaultConfig(),
		TherapyMode:     policy.TherapyOff,
	}
}

// #endregion

// #region turn

// Status is the terminal state of a turn.
type Status string

const (
	StatusAnswered Status = "answered"
	StatusBlocked  Status = "blocked"
)

// TurnRequest is one user message.
type TurnRequest struct {
	Message     string
	Criticality float64 // 0..1 external weight on value-at-risk
}

// ToolCall records a tool request made by the draft.
type ToolCall struct {
	Name   string
	OK     bool
	Result string // rendered tool_result / tool_error message
}

// TurnResult is everything the caller can show or inspect about a turn.
type TurnResult struct {
	TurnID       string
	Status       Status
	Answer       string
	Draft        string
	Mode         planner.Mode
	Steps        []string
	Rationale    string
	Signals      signals.ControlSignals
	Evidence     []retrieval.Evidence
	Flags        []safety.Flag
	HelperUsed   bool
	HelperReason string
	ToolCall     *ToolCall
	TherapyMode  policy.TherapyMode
	Concepts     []memory.Concept
	Duration     time.Duration
}

// #endregion
