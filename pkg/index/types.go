package index

import (
	"errors"
	"fmt"
)

// Kind identifies the logical owner type of a chunk.
type Kind string

const (
	KindProject Kind = "project"
	KindTask    Kind = "task"
)

// Metadata field names usable in filters.
const (
	FieldOwnerProjectID = "ownerProjectId"
	FieldKind           = "kind"
	FieldEntityID       = "entityId"
	FieldTitle          = "title"
	FieldStatus         = "status"
	FieldEpic           = "epic"
	FieldAIDescription  = "aiDescription"
)

var (
	// ErrUnknownField is returned when a filter references a field that is not part of Metadata.
	ErrUnknownField = errors.New("unknown metadata field")
	// ErrInvalidChunk is returned when a chunk cannot be stored.
	ErrInvalidChunk = errors.New("invalid chunk")
)

// Metadata is the fixed set of attributes stored with every chunk.
// Empty strings represent null for EntityID, Epic and AIDescription.
type Metadata struct {
	OwnerProjectID string `json:"ownerProjectId"`
	Kind           Kind   `json:"kind"`
	EntityID       string `json:"entityId,omitempty"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	Epic           string `json:"epic,omitempty"`
	AIDescription  string `json:"aiDescription,omitempty"`
}

// Value returns the value of the named field.
func (m Metadata) Value(field string) (string, error) {
	switch field {
	case FieldOwnerProjectID:
		return m.OwnerProjectID, nil
	case FieldKind:
		return string(m.Kind), nil
	case FieldEntityID:
		return m.EntityID, nil
	case FieldTitle:
		return m.Title, nil
	case FieldStatus:
		return m.Status, nil
	case FieldEpic:
		return m.Epic, nil
	case FieldAIDescription:
		return m.AIDescription, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
}

// Chunk is the atomic indexed unit.
type Chunk struct {
	ID          string   `json:"id"`
	Text        string   `json:"text"`
	ContentHash string   `json:"contentHash"`
	Metadata    Metadata `json:"metadata"`
}

// Result is a chunk returned by a similarity query with its score.
type Result struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Stats summarizes index contents.
type Stats struct {
	Collections int `json:"collections"`
	Chunks      int `json:"chunks"`
}

// CollectionName returns the namespace used for a project.
func CollectionName(projectID string) string {
	return "proj_" + projectID
}

func validateChunks(chunks []Chunk) error {
	seen := make(map[string]bool, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("%w: chunk %d has empty id", ErrInvalidChunk, i)
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidChunk, c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}
