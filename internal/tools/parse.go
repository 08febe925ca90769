package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

// #region call
// Call is the result of scanning model output for a tool request. Found is
// false when no well-formed request was present.
type Call struct {
	Found bool
	Name  string
	Args  map[string]any
	Raw   string
}

var callStart = regexp.MustCompile(`\{\s*"tool_call"\s*:`)

type envelope struct {
	ToolCall *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"tool_call"`
}

// #endregion call

// #region parse
// Parse finds the first {"tool_call": ...} object in text. Prose after the
// object is ignored. Malformed JSON, an empty name or non-object args yield
// a Call with Found false.
func Parse(text string) Call {
	loc := callStart.FindStringIndex(text)
	if loc == nil {
		return Call{}
	}
	rest := text[loc[0]:]

	dec := json.NewDecoder(strings.NewReader(rest))
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return Call{}
	}
	if env.ToolCall == nil || strings.TrimSpace(env.ToolCall.Name) == "" {
		return Call{}
	}

	var args map[string]any
	if len(env.ToolCall.Args) == 0 {
		return Call{}
	}
	if err := json.Unmarshal(env.ToolCall.Args, &args); err != nil || args == nil {
		return Call{}
	}

	return Call{
		Found: true,
		Name:  strings.TrimSpace(env.ToolCall.Name),
		Args:  args,
		Raw:   rest[:dec.InputOffset()],
	}
}

// #endregion parse
