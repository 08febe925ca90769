package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/danielpatrickdp/cuidado/internal/signals"
)

// DefaultTokenBudget caps the policy surface at roughly 1800 tokens.
const DefaultTokenBudget = 1800

// #region options
// SurfaceOptions are the per-turn inputs to Compose.
type SurfaceOptions struct {
	TaskHint     string
	TokenBudget  int
	Signals      *signals.ControlSignals
	Mode         string
	ContextBlock string
	TherapyBlock string
}

// #endregion options

// #region tool-contract
const toolContract = `
[TOOLS]
You may request a SINGLE tool call when it would materially improve usefulness (facts, math, fresh context, or personalization).
If you decide to use a tool, reply with ONLY this JSON (no prose, no backticks, no comments):
{"tool_call":{"name":"<tool_name>","args":{...}}}

Strict formatting rules:
- Output exactly one JSON object.
- Keys: "tool_call" -> { "name": string, "args": object }.
- No trailing commas, no extra fields, no markdown code fences.
- Numbers must be numbers (not strings).
- If a tool is unnecessary, do NOT call it. Just answer normally.

Available tools:
- "now"              // returns current ISO time. args: {}
- "uuid"             // returns a random UUID v4. args: {}
- "sum"              // sums a list of numbers. args: {"nums":[number,...]}  (at least one item)
- "searchLessons"    // keyword search over recent micro-lessons. args: {"query": string, "k"?: number}

[WHEN TO CALL A TOOL]
- Use "now" if the response benefits from the exact current time.
- Use "uuid" when a unique identifier improves the user's workflow (e.g., tagging a plan).
- Use "sum" for arithmetic instead of estimating math in prose.
- Use "searchLessons" when the user's ask could be informed by prior lessons.

[TOOL RESULT HANDLING]
- After a tool call, you will receive a tool result message (JSON). Then:
  1) Integrate the result.
  2) Produce the FINAL user-facing answer in your normal style.
  3) Do NOT emit another tool_call JSON.
  4) If using searchLessons, briefly reference lesson ids (e.g., "(lesson #abc12345)").

[FAIL-SAFE]
- If a tool is unavailable or returns an error, continue the task without it and state the limitation briefly.
`

// #endregion tool-contract

// #region compose
// Compose renders the system prompt for a turn and clips it to
// TokenBudget*4 characters.
func Compose(p Provider, opts SurfaceOptions) string {
	persona := p.Persona()
	constitution := p.Constitution()

	budget := opts.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}

	tone := persona.Tone
	if tone == "" {
		tone = defaultTone
	}
	prefs := persona.FormatPrefs
	if prefs == nil {
		prefs = map[string]any{}
	}
	lexicon := persona.BrandLexicon
	if lexicon == nil {
		lexicon = []string{}
	}

	principles := constitution.Principles
	if len(principles) == 0 {
		principles = DefaultConstitution().Principles
	}
	numbered := make([]string, len(principles))
	for i, pr := range principles {
		numbered[i] = fmt.Sprintf("%d. %s", i+1, pr)
	}

	hints := "U=? N=? S=? V=?"
	if opts.Signals != nil {
		s := opts.Signals
		hints = fmt.Sprintf("U=%s N=%s S=%s V=%s",
			fix(s.Uncertainty), fix(s.Novelty), fix(s.Stability), fix(s.ValueAtRisk))
	}
	mode := ""
	if opts.Mode != "" {
		mode = "MODE: " + opts.Mode
	}

	var b strings.Builder
	b.WriteString("[PERSONA]\n")
	fmt.Fprintf(&b, "TONE: %s\nFORMAT_PREFS: %s\nLEXICON: %s\n\n", tone, jsonText(prefs), jsonText(lexicon))
	b.WriteString("[CONSTITUTION]\n")
	b.WriteString(strings.Join(numbered, "\n"))
	b.WriteString("\n\n[CONTROL HINTS]\n")
	b.WriteString(mode)
	b.WriteString("\nSIGNALS: ")
	b.WriteString(hints)
	b.WriteString("\nGuidance:\n")
	b.WriteString("- If V is high, include a short disclaimer and safer alternatives.\n")
	b.WriteString("- If U or N are high, structure first (outline/bullets) before final prose.\n")
	if opts.TherapyBlock != "" {
		b.WriteString("\n")
		b.WriteString(opts.TherapyBlock)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString("[OUTPUT CONTRACT]\n")
	b.WriteString("- Be concise and accurate.\n")
	b.WriteString("- If asserting non-obvious facts, explain plainly.\n")
	b.WriteString("- Prefer bullets when brevity or pace is high.\n")
	b.WriteString(toolContract)
	if opts.TaskHint != "" {
		b.WriteString("\n[TASK_HINT]\n")
		b.WriteString(opts.TaskHint)
	}
	if opts.ContextBlock != "" {
		b.WriteString("\n")
		b.WriteString(opts.ContextBlock)
	}
	b.WriteString("\n")

	return clipRunes(b.String(), budget*4)
}

// #endregion compose

// #region helpers
func fix(x float64) string {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return "?"
	}
	return fmt.Sprintf("%.2f", x)
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// #endregion helpers
