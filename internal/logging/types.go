package logging

import (
	"time"

	"github.com/danielpatrickdp/cuidado/internal/signals"
)

// #region stages
// Stage names the pipeline point that emitted an event.
type Stage string

const (
	StagePreCheck       Stage = "pre_check"
	StageRetrieval      Stage = "retrieval"
	StageDraft          Stage = "draft"
	StageToolCall       Stage = "tool_call"
	StageHelper         Stage = "helper"
	StageHelperFallback Stage = "helper_fallback"
	StagePostCheck      Stage = "post_check"
	StageTurnEnd        Stage = "turn_end"
	StageTurnError      Stage = "turn_error"
)

// #endregion stages

// #region audit-event
// AuditEvent is one row in the audit_log table.
type AuditEvent struct {
	TurnID      string
	Stage       Stage
	Model       string
	UserChars   int
	SystemChars int
	AnswerChars int
	Mode        string
	Steps       []string
	Signals     signals.ControlSignals
	Safety      []string // flag ids
	Detail      string
	CreatedAt   time.Time
}

// #endregion audit-event
