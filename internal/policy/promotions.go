package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrPromotionNotFound is returned when the id matches no current candidate.
var ErrPromotionNotFound = errors.New("promotion not found")

// #region types
// Candidate is a proposed persona change backed by lesson counts.
type Candidate struct {
	ID          string
	Title       string
	Reason      string
	Patch       map[string]any
	DiffPreview string
}

// ApplyResult reports what ApplyPromotion wrote.
type ApplyResult struct {
	ID         string
	BackupPath string
	Content    string
}

// #endregion types

// #region counts
var (
	bulletsRe    = regexp.MustCompile(`\bbullet|bullets-first|bulleted|bullets\b`)
	tldrRe       = regexp.MustCompile(`\btl;?dr\b`)
	codeRe       = regexp.MustCompile("\\bcode-first|runnable code|code snippet|```")
	retrievalRe  = regexp.MustCompile(`\bretrieval|context used|fragments used`)
	thoughtfulRe = regexp.MustCompile(`\bmode=thoughtful\b`)
	fastRe       = regexp.MustCompile(`\bmode=fast\b`)
)

type lessonCounts struct {
	bullets, tldr, code, retrieval, thoughtful, fast int
}

func countLessons(lessons []string) lessonCounts {
	var c lessonCounts
	for _, l := range lessons {
		t := strings.ToLower(l)
		if bulletsRe.MatchString(t) {
			c.bullets++
		}
		if tldrRe.MatchString(t) {
			c.tldr++
		}
		if codeRe.MatchString(t) {
			c.code++
		}
		if retrievalRe.MatchString(t) {
			c.retrieval++
		}
		if thoughtfulRe.MatchString(t) {
			c.thoughtful++
		}
		if fastRe.MatchString(t) {
			c.fast++
		}
	}
	return c
}

// #endregion counts

// #region propose
// ProposePromotions inspects lesson texts and returns persona patches the
// current persona does not already carry.
func ProposePromotions(persona map[string]any, lessons []string) []Candidate {
	if persona == nil {
		persona = map[string]any{}
	}
	c := countLessons(lessons)
	prefs, _ := persona["format_prefs"].(map[string]any)

	var out []Candidate

	if !truthy(prefs["bullets"]) && c.bullets+c.tldr >= 3 {
		out = append(out, makeCandidate("format.bullets",
			"Enable bullets-first formatting",
			fmt.Sprintf("Observed %d lessons mentioning bullets/TL;DR.", c.bullets+c.tldr),
			map[string]any{"format_prefs": withKey(prefs, "bullets", true)},
			persona))
	}

	if !truthy(prefs["code_first"]) && c.code >= 2 {
		out = append(out, makeCandidate("format.code_first",
			"Prefer code-first answers",
			fmt.Sprintf("Observed %d lessons referencing code-first/snippets.", c.code),
			map[string]any{"format_prefs": withKey(prefs, "code_first", true)},
			persona))
	}

	lexicon, _ := persona["brand_lexicon"].([]any)
	if !containsValue(lexicon, "retrieval-first") && c.retrieval >= 3 {
		out = append(out, makeCandidate("lexicon.retrieval_first",
			"Add 'retrieval-first' to brand lexicon",
			fmt.Sprintf("Observed %d retrieval-oriented lessons.", c.retrieval),
			map[string]any{"brand_lexicon": uniq(append(append([]any{}, lexicon...), "retrieval-first"))},
			persona))
	}

	tone, _ := persona["tone"].(string)
	if tone == "" {
		tone = "calm, precise, creative-technical"
	}
	if c.thoughtful >= 2 && c.thoughtful > c.fast && !strings.Contains(tone, "deliberate") {
		out = append(out, makeCandidate("tone.deliberate",
			"Enrich tone with 'deliberate'",
			fmt.Sprintf("Thoughtful mode appeared %d× vs fast %d×.", c.thoughtful, c.fast),
			map[string]any{"tone": ensureWordInTone(tone, "deliberate")},
			persona))
	}

	return out
}

func makeCandidate(id, title, reason string, patch, persona map[string]any) Candidate {
	return Candidate{
		ID:          id,
		Title:       title,
		Reason:      reason,
		Patch:       patch,
		DiffPreview: lineDiff(yamlText(persona), yamlText(deepMerge(persona, patch))),
	}
}

// #endregion propose

// #region apply
// ApplyPromotion re-proposes against the current persona.yaml in dir, merges
// the matching patch and rewrites the file after backing up the old one.
func ApplyPromotion(dir, id string, lessons []string) (ApplyResult, error) {
	provider := NewFileProvider(dir, nil)
	persona, err := provider.RawPersona()
	if err != nil {
		return ApplyResult{}, fmt.Errorf("read persona: %w", err)
	}

	var match *Candidate
	for _, c := range ProposePromotions(persona, lessons) {
		if c.ID == id {
			match = &c
			break
		}
	}
	if match == nil {
		return ApplyResult{}, fmt.Errorf("%w: %s", ErrPromotionNotFound, id)
	}

	updated, ok := deepMerge(persona, match.Patch).(map[string]any)
	if !ok {
		return ApplyResult{}, fmt.Errorf("merge promotion %s: unexpected shape", id)
	}
	data, err := yaml.Marshal(updated)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("encode persona: %w", err)
	}

	path := filepath.Join(dir, PersonaFile)
	res := ApplyResult{ID: id, Content: string(data)}
	if old, err := os.ReadFile(path); err == nil {
		stamp := strings.NewReplacer(":", "-", ".", "-").Replace(time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
		res.BackupPath = path + "." + stamp + ".bak"
		if err := os.WriteFile(res.BackupPath, old, 0o644); err != nil {
			return ApplyResult{}, fmt.Errorf("write backup: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ApplyResult{}, fmt.Errorf("write persona: %w", err)
	}
	return res, nil
}

// #endregion apply

// #region helpers
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

func withKey(m map[string]any, key string, v any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	out[key] = v
	return out
}

func containsValue(list []any, v any) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func uniq(list []any) []any {
	seen := map[string]bool{}
	out := make([]any, 0, len(list))
	for _, x := range list {
		key := fmt.Sprintf("%T:%v", x, x)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, x)
	}
	return out
}

func ensureWordInTone(tone, word string) string {
	var parts []string
	for _, p := range strings.Split(tone, ",") {
		parts = append(parts, strings.TrimSpace(p))
	}
	for _, p := range parts {
		if p == word {
			return strings.Join(parts, ", ")
		}
	}
	return strings.Join(append(parts, word), ", ")
}

// deepMerge unions lists, merges maps key by key and otherwise prefers b.
func deepMerge(a, b any) any {
	al, aIsList := a.([]any)
	bl, bIsList := b.([]any)
	if aIsList && bIsList {
		return uniq(append(append([]any{}, al...), bl...))
	}
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		out := make(map[string]any, len(am)+len(bm))
		for k, v := range am {
			out[k] = v
		}
		for k, v := range bm {
			out[k] = deepMerge(am[k], v)
		}
		return out
	}
	if b != nil {
		return b
	}
	return a
}

func yamlText(v any) string {
	data, err := yaml.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// lineDiff lists lines present in newStr but not in oldStr, prefixed "+ ".
func lineDiff(oldStr, newStr string) string {
	old := map[string]bool{}
	for _, l := range strings.Split(oldStr, "\n") {
		old[l] = true
	}
	var added []string
	for _, l := range strings.Split(newStr, "\n") {
		if !old[l] {
			added = append(added, "+ "+l)
		}
	}
	return strings.Join(added, "\n")
}

// #endregion helpers
