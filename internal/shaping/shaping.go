package shaping

import (
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// #region types
// UserModel is the reader profile the shaper predicts against.
type UserModel struct {
	ID          string   `yaml:"id"`
	Traits      []string `yaml:"traits"`
	Values      []string `yaml:"values"`
	Goals       []string `yaml:"goals"`
	StylePrefs  []string `yaml:"style_prefs"`
	LastSummary string   `yaml:"last_summary"`
}

// DefaultUserModel returns a direct builder who prefers bullets and code.
func DefaultUserModel() UserModel {
	return UserModel{
		ID:         "default",
		Traits:     []string{"direct", "builder", "design-driven"},
		Values:     []string{"clarity", "craft", "speed"},
		Goals:      []string{"ship usable things"},
		StylePrefs: []string{"bullets", "code-first", "no-fluff"},
	}
}

// PredictedState is the shaper's guess at what the reader needs.
type PredictedState struct {
	Cognition      []string
	DesiredOutcome []string
	ToneAdvice     []string
}

// HISignals are the interface-level signals that drive shaping.
type HISignals struct {
	EmpathyGap    float64
	Engagement    float64
	Pace          float64
	AttentionRisk float64
}

const (
	ToneBulletForward = "bullet-forward"
	ToneParagraph     = "paragraph"
	ToneDirect        = "direct"
	ToneWarm          = "warm"
)

// #endregion types

// #region predict
// Predict infers reading needs from the user's traits and style preferences.
func Predict(user UserModel, _ string) PredictedState {
	wantsCode := slices.Contains(user.StylePrefs, "code-first")
	wantsBullets := slices.Contains(user.StylePrefs, "bullets")

	cognition := []string{"prefer structure-first", "tie output to my stated goals/values"}
	outcome := []string{"clear next steps", "outline"}
	if wantsCode {
		cognition[0] = "prefer runnable snippets"
		outcome[1] = "code snippet"
	}

	tone := []string{ToneParagraph, ToneWarm}
	if wantsBullets {
		tone[0] = ToneBulletForward
	}
	if slices.Contains(user.Traits, "direct") {
		tone[1] = ToneDirect
	}
	return PredictedState{Cognition: cognition, DesiredOutcome: outcome, ToneAdvice: tone}
}

// #endregion predict

// #region interface-signals
var bulletLineRe = regexp.MustCompile(`\n\s*[-*•]`)

// InterfaceSignals combines environment engagement and pace with draft
// length and bullet fit.
func InterfaceSignals(env EnvFeatures, draft string, pred PredictedState) HISignals {
	en, pc, _ := env.Compute()
	n := float64(utf8.RuneCountInString(draft))

	mismatch := 0.0
	if slices.Contains(pred.ToneAdvice, ToneBulletForward) && !bulletLineRe.MatchString(draft) {
		mismatch = 0.4
	}
	long := 0.0
	if n > 1800 {
		long = 0.3
	}

	return HISignals{
		EmpathyGap:    clamp01(mismatch + long),
		Engagement:    en,
		Pace:          pc,
		AttentionRisk: clamp01((n-1600)/2400 + (0.5-en)*0.4),
	}
}

// #endregion interface-signals

// #region shape
var (
	paragraphBreakRe = regexp.MustCompile(`\n{2,}`)
	fillerRe         = regexp.MustCompile(`(?i)\b(very|really|just|basically|kind of|actually)\b`)
	doubleSpaceRe    = regexp.MustCompile(` {2,}`)
)

// Shape prepends a TL;DR for fast or distracted readers, promotes paragraphs
// to bullets and strips filler words, in that order.
func Shape(draft string, pred PredictedState, hi HISignals) string {
	out := draft
	if hi.Pace > 0.7 || hi.AttentionRisk > 0.6 {
		out = "TL;DR:\n" + tldr(out) + "\n\n" + out
	}
	if slices.Contains(pred.ToneAdvice, ToneBulletForward) {
		out = paragraphBreakRe.ReplaceAllString(out, "\n\n• ")
	}
	if slices.Contains(pred.ToneAdvice, ToneDirect) {
		out = fillerRe.ReplaceAllString(out, "")
		out = doubleSpaceRe.ReplaceAllString(out, " ")
		out = strings.TrimSpace(out)
	}
	return out
}

func tldr(text string) string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l == "" {
			continue
		}
		lines = append(lines, l)
		if len(lines) == 4 {
			break
		}
	}
	return strings.Join(lines, "\n")
}

func clamp01(x float64) float64 {
	return max(0, min(1, x))
}

// #endregion shape
