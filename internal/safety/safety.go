package safety

import (
	"fmt"
	"regexp"
)

// #region levels
// Level is the severity of a flag.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelBlock Level = "block"
)

// #endregion levels

// #region messages
const (
	PreRefusal  = "I can't assist with that. If you want, I can share high-level safety information or alternatives."
	PostRefusal = "I can't help with that. I can offer high-level safety information or alternatives if that helps."

	DisclaimerFooter = "\n\nDisclaimer: This is not professional advice. Consider consulting a qualified professional for your situation."
)

const (
	FlagHighVaR        = "high_var"
	FlagRedactedDetail = "redacted_detail"
)

// #endregion messages

// #region types
// Flag is a single classifier finding.
type Flag struct {
	ID     string `json:"id"`
	Level  Level  `json:"level"`
	Reason string `json:"reason"`
}

// Category is a named pattern with a severity.
type Category struct {
	ID      string `mapstructure:"id" yaml:"id"`
	Level   Level  `mapstructure:"level" yaml:"level"`
	Reason  string `mapstructure:"reason" yaml:"reason"`
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
	// Redact marks categories whose presence in an answer replaces the answer.
	Redact bool `mapstructure:"redact" yaml:"redact"`
}

// Config holds the categories and the disclaimer threshold.
type Config struct {
	Categories          []Category
	DisclaimerThreshold float64
}

// PreResult is the outcome of checking user input.
type PreResult struct {
	Allow bool
	Flags []Flag
}

// PostResult is the outcome of checking a shaped answer.
type PostResult struct {
	Allow  bool
	Flags  []Flag
	Answer string
}

// #endregion types

// #region defaults
// DefaultCategories returns the built-in block and warn categories.
func DefaultCategories() []Category {
	return []Category{
		{ID: "self_harm", Level: LevelBlock, Reason: "self-harm intent",
			Pattern: `(?i)\b(kill myself|suicide|self\s*-?harm|end my life)\b`},
		{ID: "weapons", Level: LevelBlock, Reason: "weapon construction", Redact: true,
			Pattern: `(?i)\b(explosive|bomb|improvised explosive|manufacture gun|ghost gun|silencer|detonator)\b`},
		{ID: "crime", Level: LevelBlock, Reason: "criminal facilitation", Redact: true,
			Pattern: `(?i)\b(hack(?:ing)?\b|bypass(?:ing)?\b|crack password|credential stuffing|carding)\b`},
		{ID: "medical_risk", Level: LevelWarn, Reason: "medical guidance",
			Pattern: `(?i)\b(dosage|prescription|diagnos(e|is)|treat|contraindication|drug interaction)\b`},
		{ID: "finance_risk", Level: LevelWarn, Reason: "financial guidance",
			Pattern: `(?i)\b(insider trading|guaranteed returns|get rich quick|pump and dump)\b`},
	}
}

// DefaultConfig returns the built-in categories and a 0.5 disclaimer threshold.
func DefaultConfig() Config {
	return Config{
		Categories:          DefaultCategories(),
		DisclaimerThreshold: 0.5,
	}
}

// #endregion defaults

// #region checker
var disclaimerRe = regexp.MustCompile(`(?im)^.*(disclaimer|consult)`)

type compiled struct {
	Category
	re *regexp.Regexp
}

// Checker runs the pre and post checks against compiled categories.
type Checker struct {
	categories []compiled
	threshold  float64
}

// NewChecker compiles the configured patterns.
func NewChecker(cfg Config) (*Checker, error) {
	c := &Checker{threshold: cfg.DisclaimerThreshold}
	for _, cat := range cfg.Categories {
		re, err := regexp.Compile(cat.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile category %s: %w", cat.ID, err)
		}
		c.categories = append(c.categories, compiled{Category: cat, re: re})
	}
	return c, nil
}

// MustNewChecker is NewChecker for built-in configurations.
func MustNewChecker(cfg Config) *Checker {
	c, err := NewChecker(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// #endregion checker

// #region pre-check
// Pre classifies user input. Any block-level flag denies the request.
func (c *Checker) Pre(text string) PreResult {
	var flags []Flag
	for _, cat := range c.categories {
		if cat.re.MatchString(text) {
			flags = append(flags, Flag{ID: cat.ID, Level: cat.Level, Reason: cat.Reason})
		}
	}
	return PreResult{Allow: !HasBlock(flags), Flags: flags}
}

// #endregion pre-check

// #region post-check
// Post checks a shaped answer. Redaction of unsafe technical detail wins
// over the value-at-risk disclaimer.
func (c *Checker) Post(answer string, valueAtRisk float64) PostResult {
	var flags []Flag
	highVaR := valueAtRisk >= c.threshold
	if highVaR {
		flags = append(flags, Flag{ID: FlagHighVaR, Level: LevelWarn, Reason: "value-at-risk high"})
	}

	for _, cat := range c.categories {
		if cat.Redact && cat.re.MatchString(answer) {
			flags = append(flags, Flag{ID: FlagRedactedDetail, Level: LevelBlock, Reason: "unsafe technical detail"})
			return PostResult{Allow: false, Flags: flags, Answer: PostRefusal}
		}
	}

	if highVaR && !disclaimerRe.MatchString(answer) {
		answer += DisclaimerFooter
	}
	return PostResult{Allow: true, Flags: flags, Answer: answer}
}

// #endregion post-check

// #region helpers
// HasBlock reports whether any flag is block-level.
func HasBlock(flags []Flag) bool {
	for _, f := range flags {
		if f.Level == LevelBlock {
			return true
		}
	}
	return false
}

// IDs returns the flag ids in order.
func IDs(flags []Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = f.ID
	}
	return out
}

// BlockIDs returns the ids of block-level flags.
func BlockIDs(flags []Flag) []string {
	var out []string
	for _, f := range flags {
		if f.Level == LevelBlock {
			out = append(out, f.ID)
		}
	}
	return out
}

// #endregion helpers
