package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// TherapyFile holds the therapy modes, looked up in the policy dir.
const TherapyFile = "therapy_modes.yaml"

// MicroStepLine is appended to shaped answers when the active mode asks for
// micro-steps and the answer has none.
const MicroStepLine = "Next tiny step (≤10 min): pick one action you could take today and schedule it."

var microStepRe = regexp.MustCompile(`(?i)tiny step|10 min`)

// #region therapy-types

// TherapyMode selects a conversational frame. TherapyOff disables framing.
type TherapyMode string

const (
	TherapyOff         TherapyMode = "off"
	TherapyGottman     TherapyMode = "gottman"
	TherapyFrankl      TherapyMode = "frankl"
	TherapyCBT         TherapyMode = "cbt"
	TherapyExistential TherapyMode = "existential"
)

// ErrUnknownTherapyMode is returned by ParseTherapyMode for names outside the
// known set.
var ErrUnknownTherapyMode = errors.New("unknown therapy mode")

// ParseTherapyMode accepts a case-insensitive mode name. Empty means off.
func ParseTherapyMode(s string) (TherapyMode, error) {
	m := TherapyMode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case "":
		return TherapyOff, nil
	case TherapyOff, TherapyGottman, TherapyFrankl, TherapyCBT, TherapyExistential:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTherapyMode, s)
}

// ResponseContract shapes how an answer is written under a mode.
type ResponseContract struct {
	BulletsFirst      bool   `yaml:"bullets_first"`
	IncludeMicroSteps bool   `yaml:"include_micro_steps"`
	MaxDepth          string `yaml:"max_depth,omitempty"`
	Tone              string `yaml:"tone,omitempty"`
	IncludeQuestions  int    `yaml:"include_questions,omitempty"`
	MaxTokensHint     int    `yaml:"max_tokens_hint,omitempty"`
}

// TherapyModeSpec is one entry under modes in therapy_modes.yaml.
type TherapyModeSpec struct {
	Label      string           `yaml:"label"`
	Principles []string         `yaml:"principles"`
	Techniques []string         `yaml:"techniques"`
	Contract   ResponseContract `yaml:"response_contract"`
}

// TherapyConfig is the parsed therapy_modes.yaml.
type TherapyConfig struct {
	DefaultMode      TherapyMode                     `yaml:"default_mode"`
	Modes            map[TherapyMode]TherapyModeSpec `yaml:"modes"`
	TechniquePrompts map[string]string               `yaml:"technique_prompts"`
	SafetyNotes      []string                        `yaml:"safety_notes,omitempty"`
}

// TherapyFrame is the per-turn result of framing: the surface block, the
// chosen techniques and the contract the answer should follow.
type TherapyFrame struct {
	Mode       TherapyMode
	Block      string
	Techniques []string
	Contract   ResponseContract
}

// TherapySource supplies the therapy configuration for each turn.
type TherapySource interface {
	TherapyConfig() TherapyConfig
}

// #endregion therapy-types

// #region therapy-defaults

// DefaultTherapyConfig is used when therapy_modes.yaml is absent or unreadable.
func DefaultTherapyConfig() TherapyConfig {
	return TherapyConfig{
		DefaultMode: TherapyOff,
		Modes: map[TherapyMode]TherapyModeSpec{
			TherapyOff: {Label: "Off"},
			TherapyGottman: {
				Label: "Gottman (relationships)",
				Principles: []string{
					"Turn toward bids for connection.",
					"Soften the start-up; describe, do not blame.",
					"Repair early and often.",
				},
				Techniques: []string{"soft_startup", "repair_attempt", "love_map", "dreams_within_conflict"},
				Contract:   ResponseContract{BulletsFirst: true, IncludeMicroSteps: true, MaxDepth: "medium", Tone: "warm, practical"},
			},
			TherapyFrankl: {
				Label: "Frankl (meaning)",
				Principles: []string{
					"Meaning can be found in any circumstance.",
					"Freedom lies in the stance taken toward what happens.",
				},
				Techniques: []string{"meaning_inventory", "attitude_shift", "values_in_action"},
				Contract:   ResponseContract{MaxDepth: "high", Tone: "reflective", IncludeQuestions: 1},
			},
			TherapyCBT: {
				Label: "CBT (thoughts and behaviors)",
				Principles: []string{
					"Thoughts, feelings and actions influence each other.",
					"Test beliefs against evidence.",
					"Small behavioral experiments beat rumination.",
				},
				Techniques: []string{"thought_record", "cognitive_distortions", "behavioral_activation", "evidence_check"},
				Contract:   ResponseContract{BulletsFirst: true, IncludeMicroSteps: true, MaxDepth: "medium", Tone: "collaborative"},
			},
			TherapyExistential: {
				Label: "Existential",
				Principles: []string{
					"Face freedom, responsibility and limits honestly.",
					"Choices define who we become.",
				},
				Techniques: []string{"values_clarification", "choice_mapping", "finitude_reflection"},
				Contract:   ResponseContract{MaxDepth: "high", Tone: "grounded", IncludeQuestions: 2},
			},
		},
		TechniquePrompts: map[string]string{
			"soft_startup":           "Help the user phrase the concern as a feeling plus a need.",
			"repair_attempt":         "Suggest one small repair phrase or gesture.",
			"love_map":               "Invite curiosity about the other person's world.",
			"dreams_within_conflict": "Surface the hope underneath the disagreement.",
			"meaning_inventory":      "Ask what still matters to the user here.",
			"attitude_shift":         "Offer a reframe of the stance, not the facts.",
			"values_in_action":       "Link one value to one concrete action.",
			"thought_record":         "Separate situation, automatic thought and feeling.",
			"cognitive_distortions":  "Gently name a possible distortion, if any.",
			"behavioral_activation":  "Propose one small, scheduled activity.",
			"evidence_check":         "List evidence for and against the belief.",
			"values_clarification":   "Help rank what matters most right now.",
			"choice_mapping":         "Lay out the available choices and their costs.",
			"finitude_reflection":    "Use limits of time to sharpen priorities.",
		},
		SafetyNotes: []string{"Not a substitute for professional care."},
	}
}

// TherapyConfig returns therapy_modes.yaml from Dir, or the default modes.
func (p *FileProvider) TherapyConfig() TherapyConfig {
	var out TherapyConfig
	if err := readYAML(filepath.Join(p.Dir, TherapyFile), &out); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("therapy modes unreadable, using default", zap.Error(err))
		}
		return DefaultTherapyConfig()
	}
	if len(out.Modes) == 0 {
		return DefaultTherapyConfig()
	}
	return out
}

// TherapyConfig returns the configured modes, or the defaults when unset.
func (s StaticProvider) TherapyConfig() TherapyConfig {
	if len(s.T.Modes) == 0 {
		return DefaultTherapyConfig()
	}
	return s.T
}

// #endregion therapy-defaults

// #region therapy-frame

// Frame builds the therapy block for mode. An empty mode falls back to the
// config default; off or an unknown mode yields an empty frame.
func Frame(cfg TherapyConfig, mode TherapyMode) TherapyFrame {
	if mode == "" {
		mode = cfg.DefaultMode
	}
	if mode == "" {
		mode = TherapyOff
	}
	entry, ok := cfg.Modes[mode]
	if !ok || mode == TherapyOff {
		return TherapyFrame{Mode: mode}
	}

	chosen := pickTechniques(entry.Techniques, 2)
	c := entry.Contract
	depth := c.MaxDepth
	if depth == "" {
		depth = "medium"
	}
	tone := c.Tone
	if tone == "" {
		tone = "collaborative"
	}

	var b strings.Builder
	b.WriteString("[THERAPY FRAME]\n")
	fmt.Fprintf(&b, "MODE: %s\n", entry.Label)
	b.WriteString("PRINCIPLES:\n")
	for i, pr := range entry.Principles {
		fmt.Fprintf(&b, "%d. %s\n", i+1, pr)
	}
	b.WriteString("\nINTERVENTION PLAN:\n")
	for _, t := range chosen {
		fmt.Fprintf(&b, "- %s: %s\n", t, cfg.TechniquePrompts[t])
	}
	b.WriteString("\nRESPONSE CONTRACT:\n")
	fmt.Fprintf(&b, "- bullets_first: %t\n", c.BulletsFirst)
	fmt.Fprintf(&b, "- include_micro_steps: %t\n", c.IncludeMicroSteps)
	fmt.Fprintf(&b, "- max_depth: %s\n", depth)
	fmt.Fprintf(&b, "- tone: %s\n", tone)
	b.WriteString("\nNOTES:\n")
	b.WriteString("- Do not diagnose or claim to provide therapy.\n")
	b.WriteString("- Be concise; invite user choice and agency.\n")

	return TherapyFrame{Mode: mode, Block: b.String(), Techniques: chosen, Contract: c}
}

// pickTechniques takes n techniques at an even stride so the choice is
// stable for a given list.
func pickTechniques(list []string, n int) []string {
	if len(list) == 0 {
		return nil
	}
	if n >= len(list) {
		return list
	}
	step := max(1, len(list)/n)
	out := make([]string, 0, n)
	for i := 0; i < len(list) && len(out) < n; i += step {
		out = append(out, list[i])
	}
	return out
}

// WithMicroStep appends MicroStepLine when the frame's contract asks for it
// and the answer does not already offer a small step.
func (f TherapyFrame) WithMicroStep(answer string) string {
	if !f.Contract.IncludeMicroSteps || microStepRe.MatchString(answer) {
		return answer
	}
	return answer + "\n\n" + MicroStepLine
}

// #endregion therapy-frame
