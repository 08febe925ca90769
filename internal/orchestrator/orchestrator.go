package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/cuidado/internal/gate"
	"github.com/danielpatrickdp/cuidado/internal/helper"
	"github.com/danielpatrickdp/cuidado/internal/llm"
	"github.com/danielpatrickdp/cuidado/internal/logging"
	"github.com/danielpatrickdp/cuidado/internal/memory"
	"github.com/danielpatrickdp/cuidado/internal/planner"
	"github.com/danielpatrickdp/cuidado/internal/policy"
	"github.com/danielpatrickdp/cuidado/internal/retrieval"
	"github.com/danielpatrickdp/cuidado/internal/safety"
	"github.com/danielpatrickdp/cuidado/internal/shaping"
	"github.com/danielpatrickdp/cuidado/internal/signals"
	"github.com/danielpatrickdp/cuidado/internal/tools"
)

// #endregion

// #region orchestrator-struct

// Deps are the collaborators of a turn. Embedder, Helper, Tools and Therapy
// are optional; everything else except Metrics is required.
type Deps struct {
	Store    Store
	Embedder memory.Embedder
	Model    llm.Chatter
	Helper   helper.Refiner
	Gate     *gate.Gate
	Safety   *safety.Checker
	Policy   policy.Provider
	Therapy  policy.TherapySource
	Tools    *tools.Registry
	Session  *shaping.Session
	Auditor  logging.Auditor
	Metrics  *Metrics
	Logger   *zap.Logger
}

// Orchestrator runs one turn at a time through retrieval, drafting,
// planning, helper escalation, shaping and the safety checks.
type Orchestrator struct {
	cfg      Config
	deps     Deps
	computer *signals.Computer
	logger   *zap.Logger

	mu      sync.Mutex
	last    *TurnResult
	therapy policy.TherapyMode
}

// #endregion

// #region constructor

// NewOrchestrator validates deps and fills in the optional ones.
func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Model == nil:
		return nil, errors.New("orchestrator: model is required")
	case deps.Gate == nil:
		return nil, errors.New("orchestrator: gate is required")
	case deps.Safety == nil:
		return nil, errors.New("orchestrator: safety checker is required")
	case deps.Policy == nil:
		return nil, errors.New("orchestrator: policy provider is required")
	}
	if deps.Session == nil {
		deps.Session = shaping.NewSession(shaping.DefaultUserModel())
	}
	if deps.Auditor == nil {
		deps.Auditor = logging.NopAuditor{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	def := DefaultConfig()
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = def.RecentLimit
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.ContextClip <= 0 {
		cfg.ContextClip = def.ContextClip
	}
	if cfg.HelperBullet <= 0 {
		cfg.HelperBullet = def.HelperBullet
	}
	if cfg.TaskHint == "" {
		cfg.TaskHint = def.TaskHint
	}
	mode, err := policy.ParseTherapyMode(string(cfg.TherapyMode))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	cfg.TherapyMode = mode

	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		computer: signals.NewComputer(cfg.Signals),
		logger:   deps.Logger,
		therapy:  mode,
	}, nil
}

// TherapyMode reports the active therapy mode.
func (o *Orchestrator) TherapyMode() policy.TherapyMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.therapy
}

// SetTherapyMode switches the frame used from the next turn on.
func (o *Orchestrator) SetTherapyMode(name string) (policy.TherapyMode, error) {
	mode, err := policy.ParseTherapyMode(name)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	o.therapy = mode
	o.mu.Unlock()
	return mode, nil
}

func (o *Orchestrator) therapyFrame() policy.TherapyFrame {
	mode := o.TherapyMode()
	if o.deps.Therapy == nil {
		return policy.TherapyFrame{Mode: mode}
	}
	return policy.Frame(o.deps.Therapy.TherapyConfig(), mode)
}

// LastTurn returns the most recent completed turn, if any.
func (o *Orchestrator) LastTurn() (TurnResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return TurnResult{}, false
	}
	return *o.last, true
}

// #endregion

// #region run-turn

// RunTurn answers one user message. Safety denials are returned as a
// blocked result, not an error. A primary model failure aborts the turn
// without persisting an outcome.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	start := time.Now()
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		o.deps.Metrics.turn("rejected")
		return TurnResult{}, ErrEmptyMessage
	}

	res := TurnResult{TurnID: uuid.NewString(), Status: StatusAnswered}
	base := logging.AuditEvent{TurnID: res.TurnID, Model: o.cfg.ModelName, UserChars: utf8.RuneCountInString(msg)}
	log := o.logger.With(zap.String("turn", res.TurnID))

	// Pre-check
	pre := o.deps.Safety.Pre(msg)
	res.Flags = append(res.Flags, pre.Flags...)
	o.deps.Metrics.flags("pre", pre.Flags)
	o.emit(ctx, base, logging.StagePreCheck, func(ev *logging.AuditEvent) {
		ev.Safety = safety.IDs(pre.Flags)
	})
	if !pre.Allow {
		res.Status = StatusBlocked
		res.Answer = safety.PreRefusal
		res.Mode = planner.ModeFast
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, base, res, start, fmt.Errorf("pre-check: %w", err))
		}
		o.persist(ctx, log, memory.OutcomeCard{
			Task:    msg,
			Plan:    memory.PlanRecord{Mode: string(planner.ModeFast), Rationale: "safety pre-check deny"},
			Outcome: memory.OutcomeFail,
			Lesson:  "Blocked by safety pre-check: " + strings.Join(safety.BlockIDs(pre.Flags), ","),
		})
		return o.finish(ctx, base, res, nil, start), nil
	}

	// Retrieval
	evidence, err := o.retrieve(ctx, log, msg)
	if err != nil {
		return o.fail(ctx, base, res, start, fmt.Errorf("retrieve: %w", err))
	}
	res.Evidence = evidence
	o.emit(ctx, base, logging.StageRetrieval, func(ev *logging.AuditEvent) {
		ev.Detail = fmt.Sprintf("evidence=%d ids=%s", len(evidence), strings.Join(retrieval.IDs(evidence), ","))
	})

	taskHint := o.cfg.TaskHint
	if len(evidence) > 0 && o.cfg.RelatedConcepts > 0 {
		concepts, err := o.deps.Store.RelatedConcepts(ctx, retrieval.IDs(evidence), o.cfg.RelatedConcepts)
		if err != nil {
			log.Warn("related concepts unavailable", zap.Error(err))
		} else if len(concepts) > 0 {
			res.Concepts = concepts
			labels := make([]string, len(concepts))
			for i, c := range concepts {
				labels[i] = c.Label
			}
			taskHint += " Related concepts: " + strings.Join(labels, ", ") + "."
		}
	}

	// Draft
	frame := o.therapyFrame()
	res.TherapyMode = frame.Mode
	system := policy.Compose(o.deps.Policy, policy.SurfaceOptions{
		TaskHint:     taskHint,
		TokenBudget:  o.cfg.TokenBudget,
		ContextBlock: o.contextBlock(evidence),
		TherapyBlock: frame.Block,
	})
	base.SystemChars = utf8.RuneCountInString(system)
	msgs := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: msg},
	}
	draft, err := o.deps.Model.Chat(ctx, msgs, o.cfg.Chat)
	if err != nil {
		return o.fail(ctx, base, res, start, fmt.Errorf("draft: %w", err))
	}
	o.emit(ctx, base, logging.StageDraft, func(ev *logging.AuditEvent) {
		ev.AnswerChars = utf8.RuneCountInString(draft)
	})

	if o.deps.Tools != nil {
		if call := tools.Parse(draft); call.Found {
			out := o.deps.Tools.Execute(ctx, call)
			res.ToolCall = &ToolCall{Name: call.Name, OK: out.OK, Result: out.Message()}
			o.emit(ctx, base, logging.StageToolCall, func(ev *logging.AuditEvent) {
				ev.Detail = fmt.Sprintf("name=%s ok=%t", call.Name, out.OK)
			})
			msgs = append(msgs,
				llm.Message{Role: "assistant", Content: draft},
				llm.Message{Role: "user", Content: out.Message()},
			)
			draft, err = o.deps.Model.Chat(ctx, msgs, o.cfg.Chat)
			if err != nil {
				return o.fail(ctx, base, res, start, fmt.Errorf("draft after tool: %w", err))
			}
		}
	}
	res.Draft = draft

	// Signals and plan
	sig := o.computer.Compute(signals.Input{
		UserMessage:     msg,
		Draft:           draft,
		RetrievalScores: retrieval.DenseScores(evidence),
		TokensApprox:    utf8.RuneCountInString(draft),
		Criticality:     req.Criticality,
	})
	res.Signals = sig
	decision := planner.Plan(sig, len(evidence), o.cfg.Planner)

	// Helper escalation
	answer := draft
	gd := o.deps.Gate.Evaluate(sig)
	res.HelperReason = gd.Reason
	switch {
	case gd.Engage && o.deps.Helper != nil:
		refined, err := o.deps.Helper.Refine(ctx, helper.Request{
			Task:    msg,
			Context: o.helperBullets(evidence),
			Draft:   draft,
		})
		if err != nil {
			o.deps.Gate.Budget().Refund(gd.Reservation)
			o.deps.Metrics.helper("fallback")
			res.HelperReason = gd.Reason + "; fallback: " + err.Error()
			log.Warn("helper failed, using local draft", zap.Error(err))
			o.emit(ctx, base, logging.StageHelperFallback, func(ev *logging.AuditEvent) {
				ev.Signals = sig
				ev.Detail = err.Error()
			})
		} else {
			answer = refined
			decision = decision.WithHelper()
			res.HelperUsed = true
			o.deps.Metrics.helper("engaged")
			o.emit(ctx, base, logging.StageHelper, func(ev *logging.AuditEvent) {
				ev.Signals = sig
				ev.AnswerChars = utf8.RuneCountInString(refined)
				ev.Detail = gd.Reason
			})
		}
	case gd.Engage:
		o.deps.Gate.Budget().Refund(gd.Reservation)
		res.HelperReason = "helper not configured"
	case len(gd.Triggers) > 0:
		o.deps.Metrics.helper("skipped_budget")
	}

	res.Mode = decision.Mode
	res.Steps = decision.StepNames()
	res.Rationale = decision.Rationale
	base.Mode = string(decision.Mode)
	base.Steps = res.Steps
	base.Signals = sig

	// Shaping and post-check
	shaped, _, hi := o.deps.Session.ShapeTurn(answer)
	shaped = frame.WithMicroStep(shaped)
	post := o.deps.Safety.Post(shaped, sig.ValueAtRisk)
	res.Flags = append(res.Flags, post.Flags...)
	res.Answer = post.Answer
	o.deps.Metrics.flags("post", post.Flags)
	o.emit(ctx, base, logging.StagePostCheck, func(ev *logging.AuditEvent) {
		ev.AnswerChars = utf8.RuneCountInString(post.Answer)
		ev.Safety = safety.IDs(post.Flags)
	})

	if err := ctx.Err(); err != nil {
		return o.fail(ctx, base, res, start, fmt.Errorf("post-check: %w", err))
	}

	card := memory.OutcomeCard{
		Task:      msg,
		Plan:      decision.Record(),
		Citations: retrieval.IDs(evidence),
		Signals:   sig.Record(),
	}
	if !post.Allow {
		res.Status = StatusBlocked
		card.Outcome = memory.OutcomeFail
		card.Lesson = "Blocked by safety post-check: " + strings.Join(safety.BlockIDs(post.Flags), ",")
		o.persist(ctx, log, card)
		return o.finish(ctx, base, res, evidence, start), nil
	}

	card.Outcome = memory.OutcomeWin
	if len(evidence) > 0 {
		card.Lesson = fmt.Sprintf("Used %d fragments; mode=%s.", len(evidence), decision.Mode)
	} else {
		card.Lesson = fmt.Sprintf("No context; mode=%s.", decision.Mode)
	}
	o.persist(ctx, log, card)

	lesson := fmt.Sprintf("Lesson: mode=%s U=%.2f N=%.2f V=%.2f", decision.Mode, sig.Uncertainty, sig.Novelty, sig.ValueAtRisk)
	frag, err := o.deps.Store.Append(ctx, lesson, []string{"lesson", "policy", "safety"}, memory.DefaultTrust)
	if err != nil {
		log.Warn("append lesson failed", zap.Error(err))
	} else if _, err := o.deps.Store.MineConcepts(ctx, frag); err != nil {
		log.Warn("mine lesson concepts failed", zap.Error(err))
	}
	o.deps.Session.AppendSummary(fmt.Sprintf("Last answer mode=%s; EG=%.2f", decision.Mode, hi.EmpathyGap))

	return o.finish(ctx, base, res, evidence, start), nil
}

// #endregion

// #region retrieve

// retrieve loads recent fragments, embeds what it can and fuses the
// rankings. Embedding failures degrade to lexical ranking; only a
// cancelled context is an error.
func (o *Orchestrator) retrieve(ctx context.Context, log *zap.Logger, query string) ([]retrieval.Evidence, error) {
	frags, err := o.deps.Store.ListRecent(ctx, o.cfg.RecentLimit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("list fragments failed, answering without context", zap.Error(err))
		return nil, nil
	}

	var qvec []float32
	if o.deps.Embedder != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			n, err := o.deps.Store.BackfillEmbeddings(gctx, frags, o.deps.Embedder)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn("embedding backfill failed", zap.Error(err))
				return nil
			}
			if n > 0 {
				log.Debug("backfilled embeddings", zap.Int("count", n))
			}
			return nil
		})
		g.Go(func() error {
			vecs, err := o.deps.Embedder.Embed(gctx, []string{query})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn("query embedding failed, using lexical retrieval", zap.Error(err))
				return nil
			}
			if len(vecs) == 1 {
				qvec = vecs[0]
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	evidence := retrieval.Hybrid(frags, qvec, query, o.cfg.TopK, o.cfg.Retrieval)
	o.deps.Metrics.observeEvidence(len(evidence))
	return evidence, nil
}

func (o *Orchestrator) contextBlock(evidence []retrieval.Evidence) string {
	if len(evidence) == 0 {
		return ""
	}
	lines := make([]string, len(evidence))
	for i, e := range evidence {
		lines[i] = fmt.Sprintf("- (hyb d:%.2f bm:%.2f) %s", e.Dense, e.BM25, truncate(e.Text, o.cfg.ContextClip))
	}
	return "\n[CONTEXT]\n" + strings.Join(lines, "\n") + "\n"
}

func (o *Orchestrator) helperBullets(evidence []retrieval.Evidence) []string {
	out := make([]string, len(evidence))
	for i, e := range evidence {
		out[i] = "• " + prefix(e.Text, o.cfg.HelperBullet)
	}
	return out
}

// #endregion

// #region finish

func (o *Orchestrator) emit(ctx context.Context, base logging.AuditEvent, stage logging.Stage, fill func(*logging.AuditEvent)) {
	ev := base
	ev.Stage = stage
	ev.CreatedAt = time.Now().UTC()
	if fill != nil {
		fill(&ev)
	}
	o.deps.Auditor.Emit(ctx, ev)
}

func (o *Orchestrator) persist(ctx context.Context, log *zap.Logger, card memory.OutcomeCard) {
	if _, err := o.deps.Store.RecordOutcome(ctx, card); err != nil {
		log.Warn("record outcome failed", zap.String("outcome", card.Outcome), zap.Error(err))
	}
}

func (o *Orchestrator) finish(ctx context.Context, base logging.AuditEvent, res TurnResult, evidence []retrieval.Evidence, start time.Time) TurnResult {
	model := o.cfg.ModelName
	if res.HelperUsed {
		model += "+helper"
	}
	o.emit(ctx, base, logging.StageTurnEnd, func(ev *logging.AuditEvent) {
		ev.Model = model
		ev.AnswerChars = utf8.RuneCountInString(res.Answer)
		ev.Safety = safety.IDs(res.Flags)
		ev.Detail = fmt.Sprintf("status=%s evidence=%d", res.Status, len(evidence))
	})

	if res.Status == StatusBlocked {
		o.deps.Metrics.turn(memory.OutcomeFail)
	} else {
		o.deps.Metrics.turn(memory.OutcomeWin)
	}
	res.Duration = time.Since(start)
	o.deps.Metrics.observeTurn(res.Duration)

	snapshot := res
	o.mu.Lock()
	o.last = &snapshot
	o.mu.Unlock()
	return res
}

func (o *Orchestrator) fail(ctx context.Context, base logging.AuditEvent, res TurnResult, start time.Time, err error) (TurnResult, error) {
	o.emit(ctx, base, logging.StageTurnError, func(ev *logging.AuditEvent) {
		ev.Detail = err.Error()
	})
	o.deps.Metrics.turn("error")
	o.deps.Metrics.observeTurn(time.Since(start))
	o.logger.Warn("turn failed", zap.String("turn", res.TurnID), zap.Error(err))
	return TurnResult{TurnID: res.TurnID}, err
}

// #endregion

// #region text

// truncate keeps s within n runes, replacing the last kept rune with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// #endregion
