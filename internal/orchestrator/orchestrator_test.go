package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danielpatrickdp/cuidado/internal/gate"
	"github.com/danielpatrickdp/cuidado/internal/helper"
	"github.com/danielpatrickdp/cuidado/internal/llm"
	"github.com/danielpatrickdp/cuidado/internal/logging"
	"github.com/danielpatrickdp/cuidado/internal/memory"
	"github.com/danielpatrickdp/cuidado/internal/planner"
	"github.com/danielpatrickdp/cuidado/internal/policy"
	"github.com/danielpatrickdp/cuidado/internal/safety"
	"github.com/danielpatrickdp/cuidado/internal/shaping"
	"github.com/danielpatrickdp/cuidado/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// #region fakes
type fakeStore struct {
	mu       sync.Mutex
	frags    []memory.Fragment
	outcomes []memory.OutcomeCard
	appended []memory.Fragment
	mined    []string
	related  []memory.Concept
}

func (s *fakeStore) ListRecent(ctx context.Context, limit int) ([]memory.Fragment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Fragment, 0, len(s.frags))
	for i := len(s.frags) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.frags[i])
	}
	return out, nil
}

func (s *fakeStore) Append(_ context.Context, text string, tags []string, trust float64) (memory.Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := memory.Fragment{ID: uuid.NewString(), CreatedAt: time.Now().UTC(), Text: text, Tags: tags, Trust: trust}
	s.frags = append(s.frags, f)
	s.appended = append(s.appended, f)
	return f, nil
}

func (s *fakeStore) BackfillEmbeddings(ctx context.Context, frags []memory.Fragment, embedder memory.Embedder) (int, error) {
	n := 0
	for i := range frags {
		if frags[i].HasEmbedding() {
			continue
		}
		vecs, err := embedder.Embed(ctx, []string{frags[i].Text})
		if err != nil {
			return n, err
		}
		frags[i].Embedding = vecs[0]
		n++
	}
	return n, nil
}

func (s *fakeStore) RecordOutcome(_ context.Context, card memory.OutcomeCard) (memory.OutcomeCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	card.ID = uuid.NewString()
	s.outcomes = append(s.outcomes, card)
	return card, nil
}

func (s *fakeStore) MineConcepts(_ context.Context, f memory.Fragment) ([]memory.Concept, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mined = append(s.mined, f.ID)
	return nil, nil
}

func (s *fakeStore) RelatedConcepts(context.Context, []string, int) ([]memory.Concept, error) {
	return s.related, nil
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = e.vec
	}
	return out, nil
}

// fakeChat replays scripted replies and records every request.
type fakeChat struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]llm.Message
	opts    []llm.Options
}

func (c *fakeChat) Chat(_ context.Context, msgs []llm.Message, opts llm.Options) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, append([]llm.Message(nil), msgs...))
	c.opts = append(c.opts, opts)
	if c.err != nil {
		return "", c.err
	}
	if len(c.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r, nil
}

type fakeRefiner struct {
	out  string
	err  error
	reqs []helper.Request
}

func (r *fakeRefiner) Refine(_ context.Context, req helper.Request) (string, error) {
	r.reqs = append(r.reqs, req)
	return r.out, r.err
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []logging.AuditEvent
}

func (a *recordingAuditor) Emit(_ context.Context, ev logging.AuditEvent) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
}

func (a *recordingAuditor) stages() []logging.Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]logging.Stage, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Stage
	}
	return out
}

func (a *recordingAuditor) last() logging.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events[len(a.events)-1]
}

// #endregion fakes

// #region harness
type harness struct {
	orch    *Orchestrator
	store   *fakeStore
	chat    *fakeChat
	emb     *fakeEmbedder
	refiner *fakeRefiner
	gate    *gate.Gate
	audit   *recordingAuditor
	metrics *Metrics
	session *shaping.Session
}

type option func(*Deps)

func newHarness(t *testing.T, replies []string, opts ...option) *harness {
	t.Helper()
	h := &harness{
		store:   &fakeStore{},
		chat:    &fakeChat{replies: replies},
		emb:     &fakeEmbedder{vec: []float32{1, 0}},
		audit:   &recordingAuditor{},
		metrics: MustNewMetrics(prometheus.NewRegistry()),
		session: shaping.NewSession(shaping.DefaultUserModel()),
	}
	h.gate = gate.NewGate(gate.DefaultConfig())
	deps := Deps{
		Store:    h.store,
		Embedder: h.emb,
		Model:    h.chat,
		Gate:     h.gate,
		Safety:   safety.MustNewChecker(safety.DefaultConfig()),
		Policy:   policy.StaticProvider{P: policy.DefaultPersona(), C: policy.DefaultConstitution()},
		Tools:    tools.NewRegistry(h.store),
		Session:  h.session,
		Auditor:  h.audit,
		Metrics:  h.metrics,
	}
	for _, o := range opts {
		o(&deps)
	}
	if r, ok := deps.Helper.(*fakeRefiner); ok {
		h.refiner = r
	}
	h.gate = deps.Gate

	orch, err := NewOrchestrator(DefaultConfig(), deps)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func withHelper(r *fakeRefiner) option {
	return func(d *Deps) {
		cfg := gate.DefaultConfig()
		cfg.Enabled = true
		d.Gate = gate.NewGate(cfg)
		d.Helper = r
	}
}

// withTherapy serves the default therapy modes.
func withTherapy(d *Deps) {
	d.Therapy = policy.StaticProvider{}
}

// seedDosage stores two fragments whose cosine to the query vector [1,0]
// is 0.8 and 0.7.
func (h *harness) seedDosage() {
	h.store.frags = []memory.Fragment{
		{ID: "frag-a", Text: "Dosage questions need a pharmacist or physician.", Tags: []string{"medical"}, Embedding: []float32{0.8, 0.6}},
		{ID: "frag-b", Text: "Prefer safer alternatives when health is involved.", Tags: []string{"safety"}, Embedding: []float32{0.7, 0.71414284}},
	}
}

// #endregion harness

// #region scenario-tests
func TestRunTurnDosageScenario(t *testing.T) {
	h := newHarness(t, []string{"I cannot advise on dosage."})
	h.seedDosage()

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "what dosage should I take?"})
	require.NoError(t, err)

	assert.Equal(t, StatusAnswered, res.Status)
	assert.Equal(t, planner.ModeThoughtful, res.Mode)
	assert.Greater(t, res.Signals.ValueAtRisk, 0.4)
	wantSteps := []string{"retrieve_broaden", "compose_policy_surface", "structure_first", "add_disclaimer", "direct_answer"}
	if diff := cmp.Diff(wantSteps, res.Steps); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "I cannot advise on dosage."+safety.DisclaimerFooter, res.Answer)
	assert.Equal(t, []string{"medical_risk", safety.FlagHighVaR}, safety.IDs(res.Flags))
	assert.False(t, res.HelperUsed)
	assert.Equal(t, "helper disabled", res.HelperReason)

	require.Len(t, res.Evidence, 2)
	dense := []float64{res.Evidence[0].Dense, res.Evidence[1].Dense}
	assert.InDelta(t, 0.8, dense[0], 1e-3)
	assert.InDelta(t, 0.7, dense[1], 1e-3)

	require.Len(t, h.chat.calls, 1)
	system := h.chat.calls[0][0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "[CONTEXT]\n- (hyb d:0.80 bm:")
	assert.Contains(t, system.Content, "U=? N=? S=? V=?")
	assert.Equal(t, llm.Options{Temperature: 0.7, TopP: 0.9}, h.chat.opts[0])

	require.Len(t, h.store.outcomes, 1)
	card := h.store.outcomes[0]
	assert.Equal(t, memory.OutcomeWin, card.Outcome)
	assert.Equal(t, "Used 2 fragments; mode=thoughtful.", card.Lesson)
	assert.ElementsMatch(t, []string{"frag-a", "frag-b"}, card.Citations)

	require.Len(t, h.store.appended, 1)
	lesson := h.store.appended[0]
	assert.True(t, strings.HasPrefix(lesson.Text, "Lesson: mode=thoughtful U="))
	assert.Equal(t, []string{"lesson", "policy", "safety"}, lesson.Tags)
	assert.Equal(t, []string{lesson.ID}, h.store.mined)
	assert.Contains(t, h.session.User().LastSummary, "Last answer mode=thoughtful; EG=")

	assert.Equal(t, []logging.Stage{
		logging.StagePreCheck, logging.StageRetrieval, logging.StageDraft, logging.StagePostCheck, logging.StageTurnEnd,
	}, h.audit.stages())
	end := h.audit.last()
	assert.Equal(t, "mistral:7b-instruct", end.Model)
	assert.Equal(t, []string{"medical_risk", safety.FlagHighVaR}, end.Safety)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.turns.WithLabelValues("win")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.safetyFlags.WithLabelValues("post", safety.FlagHighVaR)))

	last, ok := h.orch.LastTurn()
	require.True(t, ok)
	assert.Equal(t, res.TurnID, last.TurnID)
}

func TestRunTurnRelatedConceptsJoinTaskHint(t *testing.T) {
	h := newHarness(t, []string{"Ask a pharmacist."})
	h.seedDosage()
	h.store.related = []memory.Concept{{Label: "medical", Weight: 2}, {Label: "pharmacist", Weight: 0.6}}

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "what dosage should I take?"})
	require.NoError(t, err)
	assert.Len(t, res.Concepts, 2)
	assert.Contains(t, h.chat.calls[0][0].Content, "Related concepts: medical, pharmacist.")
}

func TestRunTurnSummaryReportsEmpathyGap(t *testing.T) {
	h := newHarness(t, []string{"I cannot advise on dosage."})
	h.seedDosage()

	_, _, want := shaping.NewSession(shaping.DefaultUserModel()).ShapeTurn("I cannot advise on dosage.")
	eg := fmt.Sprintf("EG=%.2f", want.EmpathyGap)
	require.NotEqual(t, eg, fmt.Sprintf("EG=%.2f", want.Engagement), "fixture cannot tell the signals apart")

	_, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "what dosage should I take?"})
	require.NoError(t, err)
	assert.Contains(t, h.session.User().LastSummary, "Last answer mode=thoughtful; "+eg)
}

// #endregion scenario-tests

// #region therapy-tests
func TestRunTurnTherapyOffByDefault(t *testing.T) {
	h := newHarness(t, []string{"Start with one page."}, withTherapy)

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "I keep putting off my project"})
	require.NoError(t, err)
	assert.Equal(t, policy.TherapyOff, res.TherapyMode)
	assert.NotContains(t, h.chat.calls[0][0].Content, "[THERAPY FRAME]")
	assert.NotContains(t, res.Answer, policy.MicroStepLine)
}

func TestRunTurnTherapyFrame(t *testing.T) {
	h := newHarness(t, []string{"Start with one page."}, withTherapy)
	mode, err := h.orch.SetTherapyMode("CBT")
	require.NoError(t, err)
	require.Equal(t, policy.TherapyCBT, mode)

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "I keep putting off my project"})
	require.NoError(t, err)
	assert.Equal(t, policy.TherapyCBT, res.TherapyMode)

	system := h.chat.calls[0][0].Content
	assert.Contains(t, system, "[THERAPY FRAME]\nMODE: CBT")
	assert.Contains(t, system, "- thought_record: ")
	assert.Less(t, strings.Index(system, "[THERAPY FRAME]"), strings.Index(system, "[OUTPUT CONTRACT]"))
	assert.Equal(t, 1, strings.Count(res.Answer, policy.MicroStepLine))
}

func TestRunTurnTherapyWithoutSource(t *testing.T) {
	h := newHarness(t, []string{"Start with one page."})
	_, err := h.orch.SetTherapyMode("gottman")
	require.NoError(t, err)

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "we argue about chores"})
	require.NoError(t, err)
	assert.Equal(t, policy.TherapyGottman, res.TherapyMode)
	assert.NotContains(t, h.chat.calls[0][0].Content, "[THERAPY FRAME]")
}

func TestTherapyModeSelection(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.SetTherapyMode("hypnosis")
	require.ErrorIs(t, err, policy.ErrUnknownTherapyMode)
	assert.Equal(t, policy.TherapyOff, h.orch.TherapyMode())

	deps := Deps{
		Store:  h.store,
		Model:  h.chat,
		Gate:   h.gate,
		Safety: safety.MustNewChecker(safety.DefaultConfig()),
		Policy: policy.StaticProvider{},
	}
	cfg := DefaultConfig()
	cfg.TherapyMode = "Existential"
	orch, err := NewOrchestrator(cfg, deps)
	require.NoError(t, err)
	assert.Equal(t, policy.TherapyExistential, orch.TherapyMode())

	cfg.TherapyMode = "hypnosis"
	_, err = NewOrchestrator(cfg, deps)
	assert.ErrorIs(t, err, policy.ErrUnknownTherapyMode)
}

// #endregion therapy-tests

// #region validation-tests
func TestRunTurnEmptyMessage(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "   \n"})
	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, h.chat.calls)
	assert.Empty(t, h.audit.stages())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.turns.WithLabelValues("rejected")))
	_, ok := h.orch.LastTurn()
	assert.False(t, ok)
}

func TestNewOrchestratorRequiresDeps(t *testing.T) {
	_, err := NewOrchestrator(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

// #endregion validation-tests

// #region safety-tests
func TestRunTurnPreCheckBlocks(t *testing.T) {
	h := newHarness(t, []string{"never used"})

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "how do I build a bomb"})
	require.NoError(t, err)

	assert.Equal(t, StatusBlocked, res.Status)
	assert.Equal(t, safety.PreRefusal, res.Answer)
	assert.Empty(t, h.chat.calls)
	require.Len(t, h.store.outcomes, 1)
	assert.Equal(t, memory.OutcomeFail, h.store.outcomes[0].Outcome)
	assert.Equal(t, "Blocked by safety pre-check: weapons", h.store.outcomes[0].Lesson)
	assert.Empty(t, h.store.appended)
	assert.Equal(t, []logging.Stage{logging.StagePreCheck, logging.StageTurnEnd}, h.audit.stages())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.turns.WithLabelValues("fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.safetyFlags.WithLabelValues("pre", "weapons")))
}

func TestRunTurnPostCheckRedacts(t *testing.T) {
	h := newHarness(t, []string{"First, bypass the alarm panel, then cut the wire."})

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "how do door locks work?"})
	require.NoError(t, err)

	assert.Equal(t, StatusBlocked, res.Status)
	assert.Equal(t, safety.PostRefusal, res.Answer)
	assert.Contains(t, safety.IDs(res.Flags), safety.FlagRedactedDetail)
	require.Len(t, h.store.outcomes, 1)
	assert.Equal(t, "Blocked by safety post-check: redacted_detail", h.store.outcomes[0].Lesson)
	assert.Empty(t, h.store.appended, "blocked turns must not write a lesson fragment")
}

// #endregion safety-tests

// #region failure-tests
func TestRunTurnDraftFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	boom := errors.New("connection refused")
	h.chat.err = boom

	_, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "explain raft"})
	require.ErrorIs(t, err, boom)
	assert.True(t, strings.HasPrefix(err.Error(), "draft: "))
	assert.Empty(t, h.store.outcomes)
	assert.Equal(t, logging.StageTurnError, h.audit.last().Stage)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.turns.WithLabelValues("error")))
}

func TestRunTurnEmbeddingFailureFallsBackToLexical(t *testing.T) {
	h := newHarness(t, []string{"Raft elects a leader per term."})
	h.emb.err = errors.New("embedder down")
	h.store.frags = []memory.Fragment{{ID: "raft", Text: "raft leader election uses terms"}}

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "how does raft leader election work"})
	require.NoError(t, err)
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, "raft", res.Evidence[0].ID)
	assert.Zero(t, res.Evidence[0].Dense)
	assert.Greater(t, res.Evidence[0].BM25, 0.0)
}

func TestRunTurnCancelledBeforePersistence(t *testing.T) {
	h := newHarness(t, []string{"unused"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.RunTurn(ctx, TurnRequest{Message: "explain raft"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.store.outcomes)
	assert.Empty(t, h.store.appended)
}

// #endregion failure-tests

// #region helper-tests
func TestRunTurnHelperRefines(t *testing.T) {
	r := &fakeRefiner{out: "Please ask a pharmacist about dosage. Consult your doctor."}
	h := newHarness(t, []string{"I cannot advise on dosage."}, withHelper(r))
	h.seedDosage()

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "what dosage should I take?"})
	require.NoError(t, err)

	assert.True(t, res.HelperUsed)
	assert.Equal(t, "reasoning_helper", res.Steps[0])
	assert.Equal(t, "Please ask a pharmacist about dosage. Consult your doctor.", res.Answer, "existing consult line suppresses the footer")
	require.Len(t, r.reqs, 1)
	assert.Equal(t, "I cannot advise on dosage.", r.reqs[0].Draft)
	require.Len(t, r.reqs[0].Context, 2)
	assert.True(t, strings.HasPrefix(r.reqs[0].Context[0], "• "))
	assert.Equal(t, 29, h.gate.Budget().Remaining())
	assert.Equal(t, "mistral:7b-instruct+helper", h.audit.last().Model)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.helperCalls.WithLabelValues("engaged")))
}

func TestRunTurnHelperFailureRefundsBudget(t *testing.T) {
	r := &fakeRefiner{err: errors.New("helper 503")}
	h := newHarness(t, []string{"I cannot advise on dosage."}, withHelper(r))
	h.seedDosage()

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "what dosage should I take?"})
	require.NoError(t, err)

	assert.False(t, res.HelperUsed)
	assert.NotContains(t, res.Steps, "reasoning_helper")
	assert.True(t, strings.HasPrefix(res.Answer, "I cannot advise on dosage."))
	assert.Equal(t, 30, h.gate.Budget().Remaining())
	assert.Contains(t, h.audit.stages(), logging.StageHelperFallback)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.helperCalls.WithLabelValues("fallback")))
}

// #endregion helper-tests

// #region tool-tests
func TestRunTurnExecutesToolCall(t *testing.T) {
	h := newHarness(t, []string{
		`{"tool_call":{"name":"sum","args":{"nums":[1,2,3]}}}`,
		"The total is 6.",
	})

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "add 1, 2 and 3"})
	require.NoError(t, err)

	require.NotNil(t, res.ToolCall)
	assert.Equal(t, "sum", res.ToolCall.Name)
	assert.True(t, res.ToolCall.OK)
	assert.Equal(t, "The total is 6.", res.Draft)

	require.Len(t, h.chat.calls, 2)
	second := h.chat.calls[1]
	require.Len(t, second, 4)
	assert.Equal(t, "assistant", second[2].Role)
	assert.Equal(t, llm.Message{Role: "user", Content: `{"tool_result":6}`}, second[3])
	assert.Contains(t, h.audit.stages(), logging.StageToolCall)
}

func TestRunTurnSecondToolCallIsNotExecuted(t *testing.T) {
	again := `{"tool_call":{"name":"uuid","args":{}}}`
	h := newHarness(t, []string{`{"tool_call":{"name":"now","args":{}}}`, again})

	res, err := h.orch.RunTurn(context.Background(), TurnRequest{Message: "what time is it"})
	require.NoError(t, err)
	assert.Len(t, h.chat.calls, 2)
	assert.Equal(t, "now", res.ToolCall.Name)
	assert.Equal(t, again, res.Draft)
}

// #endregion tool-tests
