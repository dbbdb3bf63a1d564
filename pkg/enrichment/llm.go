package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/smartpm/pkg/retrieval"
)

// ErrInvalidCompletion is returned when a model reply is not a valid result object.
var ErrInvalidCompletion = errors.New("invalid model completion")

// Completer sends one system + user prompt to a chat model and returns the text reply.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Name() string
}

const resultSchema = `{
	"type": "object",
	"required": ["ai_description", "story_points"],
	"properties": {
		"ai_description": {"type": "string", "minLength": 1},
		"story_points": {"type": "integer", "minimum": 0, "maximum": 100},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"used_context_ids": {"type": "array", "items": {"type": "string"}}
	}
}`

const systemPrompt = `You refine software tasks for a project board.
Reply with a single JSON object and nothing else:
{"ai_description": string, "story_points": integer, "confidence": number between 0 and 1, "used_context_ids": [string]}
The description restates the task and ends with an "Acceptance criteria:" list.
Story points use the scale 1, 2, 3, 5, 8, 13.`

type completion struct {
	AIDescription  string   `json:"ai_description"`
	StoryPoints    int      `json:"story_points"`
	Confidence     *float64 `json:"confidence"`
	UsedContextIDs []string `json:"used_context_ids"`
}

// LLMModel asks a chat model for a JSON result and validates it against a schema.
type LLMModel struct {
	completer Completer
	schema    *gojsonschema.Schema
	logger    zerolog.Logger
}

// NewLLMModel creates a model backed by completer.
func NewLLMModel(completer Completer, logger zerolog.Logger) (*LLMModel, error) {
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(resultSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile result schema: %w", err)
	}
	return &LLMModel{completer: completer, schema: schema, logger: logger}, nil
}

func (m *LLMModel) Name() string { return m.completer.Name() }

func (m *LLMModel) Enrich(ctx context.Context, req Request, contexts []retrieval.ContextChunk) (*Result, error) {
	reply, err := m.completer.Complete(ctx, systemPrompt, buildPrompt(req, contexts))
	if err != nil {
		return nil, fmt.Errorf("%s completion failed: %w", m.completer.Name(), err)
	}

	raw, err := extractJSONObject(reply)
	if err != nil {
		return nil, err
	}

	validation, err := m.schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCompletion, err)
	}
	if !validation.Valid() {
		msgs := make([]string, 0, len(validation.Errors()))
		for _, e := range validation.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidCompletion, strings.Join(msgs, "; "))
	}

	var c completion
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCompletion, err)
	}

	// Only ids that were actually offered are reported back.
	offered := make(map[string]bool, len(contexts))
	for _, ctxChunk := range contexts {
		offered[ctxChunk.DocID] = true
	}
	used := make([]string, 0, len(c.UsedContextIDs))
	for _, id := range c.UsedContextIDs {
		if offered[id] {
			used = append(used, id)
		}
	}

	confidence := 0.5
	if c.Confidence != nil {
		confidence = *c.Confidence
	}

	if sp := ClampStoryPoints(c.StoryPoints); sp != c.StoryPoints {
		m.logger.Debug().Int("raw", c.StoryPoints).Int("clamped", sp).Msg("Story points clamped")
	}

	return &Result{
		AIDescription:  truncateRunes(strings.TrimSpace(c.AIDescription), MaxDescriptionRunes),
		StoryPoints:    ClampStoryPoints(c.StoryPoints),
		Confidence:     confidence,
		UsedContextIDs: used,
	}, nil
}

func buildPrompt(req Request, contexts []retrieval.ContextChunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task title: %s\n", req.Title)
	fmt.Fprintf(&b, "Task description: %s\n", req.UserDescription)
	if req.Epic != "" {
		fmt.Fprintf(&b, "Epic: %s\n", req.Epic)
	}
	if len(contexts) > 0 {
		b.WriteString("\nRelated project context:\n")
		for _, c := range contexts {
			fmt.Fprintf(&b, "[%s] (%s) %s\n", c.DocID, c.Kind, c.Text)
		}
	}
	return b.String()
}

// extractJSONObject returns the outermost {...} span of a reply, which
// tolerates markdown code fences around the object.
func extractJSONObject(reply string) (string, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("%w: no JSON object in reply", ErrInvalidCompletion)
	}
	return reply[start : end+1], nil
}
