package logging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// #region auditor
// Auditor receives audit events. Emit must not block the turn on failure.
type Auditor interface {
	Emit(ctx context.Context, ev AuditEvent)
}

// NopAuditor discards events.
type NopAuditor struct{}

func (NopAuditor) Emit(context.Context, AuditEvent) {}

// MultiAuditor fans each event out to every auditor in order.
type MultiAuditor []Auditor

func (m MultiAuditor) Emit(ctx context.Context, ev AuditEvent) {
	for _, a := range m {
		if a != nil {
			a.Emit(ctx, ev)
		}
	}
}

// #endregion auditor

// #region zap-auditor
// ZapAuditor writes each event as a structured "audit" log line.
type ZapAuditor struct {
	logger *zap.Logger
}

// NewZapAuditor wraps logger. A nil logger discards events.
func NewZapAuditor(logger *zap.Logger) *ZapAuditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAuditor{logger: logger}
}

func (z *ZapAuditor) Emit(_ context.Context, ev AuditEvent) {
	fields := []zap.Field{
		zap.String("turn_id", ev.TurnID),
		zap.String("stage", string(ev.Stage)),
		zap.String("model", ev.Model),
		zap.Int("user_chars", ev.UserChars),
		zap.Int("sys_chars", ev.SystemChars),
		zap.Int("ans_chars", ev.AnswerChars),
		zap.String("mode", ev.Mode),
		zap.Strings("steps", ev.Steps),
		zap.Float64("U", ev.Signals.Uncertainty),
		zap.Float64("N", ev.Signals.Novelty),
		zap.Float64("S", ev.Signals.Stability),
		zap.Float64("V", ev.Signals.ValueAtRisk),
		zap.Strings("safety", ev.Safety),
		zap.String("line", FormatLine(ev)),
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}
	if ev.Stage == StageTurnError || ev.Stage == StageHelperFallback {
		z.logger.Warn("audit", fields...)
		return
	}
	z.logger.Info("audit", fields...)
}

// #endregion zap-auditor

// #region format-line
// FormatLine renders the single-line audit summary.
func FormatLine(ev AuditEvent) string {
	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("[CUIDADO][AUDIT] ts=%d model=%s user=%d sys=%d ans=%d mode=%s steps=%s U=%.2f N=%.2f S=%.2f V=%.2f safety=[%s]",
		ts.UnixMilli(),
		ev.Model,
		ev.UserChars,
		ev.SystemChars,
		ev.AnswerChars,
		ev.Mode,
		strings.Join(ev.Steps, ">"),
		ev.Signals.Uncertainty,
		ev.Signals.Novelty,
		ev.Signals.Stability,
		ev.Signals.ValueAtRisk,
		strings.Join(ev.Safety, ","),
	)
}

// #endregion format-line
