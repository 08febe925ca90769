package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/cuidado/internal/memory"
	"github.com/danielpatrickdp/cuidado/internal/retrieval"
)

const (
	lessonWindow    = 300
	defaultLessonsK = 5
)

// #region types
// Handler runs one tool with decoded JSON args.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Result is the outcome of Execute.
type Result struct {
	OK    bool
	Value any
	Error string
}

// Message renders the result as the JSON user message fed back to the model.
func (r Result) Message() string {
	var payload map[string]any
	if r.OK {
		payload = map[string]any{"tool_result": r.Value}
	} else {
		payload = map[string]any{"tool_error": r.Error}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		b, _ = json.Marshal(map[string]any{"tool_error": "unencodable result: " + err.Error()})
	}
	return string(b)
}

// FragmentLister is the store view searchLessons needs.
type FragmentLister interface {
	ListRecent(ctx context.Context, limit int) ([]memory.Fragment, error)
}

// LessonHit is one searchLessons result.
type LessonHit struct {
	ID    string    `json:"id"`
	TS    time.Time `json:"ts"`
	Text  string    `json:"text"`
	Tags  []string  `json:"tags"`
	Score float64   `json:"score"`
}

// #endregion types

// #region registry
// Registry maps tool names to handlers.
type Registry struct {
	tools map[string]Handler
	now   func() time.Time
}

// NewRegistry returns a registry with now, uuid, sum and searchLessons.
// searchLessons is omitted when store is nil.
func NewRegistry(store FragmentLister) *Registry {
	r := &Registry{tools: map[string]Handler{}, now: time.Now}
	r.Register("now", r.toolNow)
	r.Register("uuid", toolUUID)
	r.Register("sum", toolSum)
	if store != nil {
		r.Register("searchLessons", searchLessons(store))
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(name string, h Handler) {
	r.tools[name] = h
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Execute runs call. Unknown tools and handler errors become a failed Result.
func (r *Registry) Execute(ctx context.Context, call Call) Result {
	if !call.Found {
		return Result{Error: "no tool call"}
	}
	h, ok := r.tools[call.Name]
	if !ok {
		return Result{Error: "unknown tool"}
	}
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	v, err := h(ctx, args)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{OK: true, Value: v}
}

// #endregion registry

// #region builtins
func (r *Registry) toolNow(context.Context, map[string]any) (any, error) {
	return r.now().UTC().Format(time.RFC3339), nil
}

func toolUUID(context.Context, map[string]any) (any, error) {
	return uuid.NewString(), nil
}

func toolSum(_ context.Context, args map[string]any) (any, error) {
	nums, ok := args["nums"].([]any)
	if !ok || len(nums) == 0 {
		return nil, errors.New("nums array required with at least one number")
	}
	total := 0.0
	for i, n := range nums {
		f, ok := n.(float64)
		if !ok {
			return nil, fmt.Errorf("nums[%d] is not a number", i)
		}
		total += f
	}
	return total, nil
}

func searchLessons(store FragmentLister) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return nil, errors.New("query string required")
		}
		k := defaultLessonsK
		if v, ok := args["k"].(float64); ok && v >= 1 {
			k = int(v)
		}

		frags, err := store.ListRecent(ctx, lessonWindow)
		if err != nil {
			return nil, fmt.Errorf("list fragments: %w", err)
		}
		created := make(map[string]time.Time, len(frags))
		for _, f := range frags {
			created[f.ID] = f.CreatedAt
		}

		hits := retrieval.BM25(frags, query, k, retrieval.DefaultParams())
		out := make([]LessonHit, len(hits))
		for i, h := range hits {
			out[i] = LessonHit{ID: h.ID, TS: created[h.ID], Text: h.Text, Tags: h.Tags, Score: h.Score}
		}
		return out, nil
	}
}

// #endregion builtins
