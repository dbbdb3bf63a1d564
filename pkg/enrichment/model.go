// Package enrichment generates AI descriptions and story point estimates
// for tasks from retrieved project context, and writes the enriched task
// back into the retrieval index in the background.
package enrichment

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/smartpm/pkg/retrieval"
)

// AllowedStoryPoints is the estimation scale.
var AllowedStoryPoints = []int{1, 2, 3, 5, 8, 13}

// MaxDescriptionRunes caps generated descriptions.
const MaxDescriptionRunes = 1150

// Request is a task snapshot to enrich.
type Request struct {
	ProjectID       string `json:"projectId"`
	TaskID          string `json:"taskId"`
	Title           string `json:"title"`
	UserDescription string `json:"userDescription"`
	Epic            string `json:"epic,omitempty"`
	Status          string `json:"status"`
	Version         int64  `json:"version"`
}

// Result is what a model produced for a task.
type Result struct {
	AIDescription  string   `json:"aiDescription"`
	StoryPoints    int      `json:"storyPoints"`
	Confidence     float64  `json:"confidence"`
	UsedContextIDs []string `json:"usedContextIds"`
}

// Model turns a task and its retrieved context into a Result.
type Model interface {
	Enrich(ctx context.Context, req Request, contexts []retrieval.ContextChunk) (*Result, error)
	Name() string
}

// ClampStoryPoints returns the allowed value closest to v. Ties go to the lower value.
func ClampStoryPoints(v int) int {
	best := AllowedStoryPoints[0]
	for _, sp := range AllowedStoryPoints[1:] {
		if abs(sp-v) < abs(best-v) {
			best = sp
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var defaultCriteria = []string{
	"State is persisted and visible after refresh",
	"Errors show a clear message",
	"Include tests for one success and one failure path",
}

// HeuristicModel is an offline model: story points follow the length of
// the task text and the description lists fixed acceptance criteria.
type HeuristicModel struct{}

func (HeuristicModel) Name() string { return "heuristic" }

func (HeuristicModel) Enrich(ctx context.Context, req Request, contexts []retrieval.ContextChunk) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	words := len(strings.Fields(req.Title)) + len(strings.Fields(req.UserDescription))
	var sp int
	switch {
	case words < 12:
		sp = 1
	case words < 30:
		sp = 2
	case words < 60:
		sp = 3
	default:
		sp = 5
	}

	used := make([]string, 0, 3)
	for i := 0; i < len(contexts) && i < 3; i++ {
		used = append(used, contexts[i].DocID)
	}

	description := fmt.Sprintf("%s. Extend: %s\n\nAcceptance criteria:\n- %s",
		strings.TrimSpace(req.Title),
		strings.TrimSpace(req.UserDescription),
		strings.Join(defaultCriteria, "\n- "),
	)

	return &Result{
		AIDescription:  truncateRunes(description, MaxDescriptionRunes),
		StoryPoints:    ClampStoryPoints(sp),
		Confidence:     0.6,
		UsedContextIDs: used,
	}, nil
}
