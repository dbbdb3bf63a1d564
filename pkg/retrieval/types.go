package retrieval

// ProjectInput describes a project to index.
type ProjectInput struct {
	ProjectID   string `json:"projectId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// TaskInput describes a task to index. AIDescription is stored as metadata
// and also contributes to the indexed text.
type TaskInput struct {
	ProjectID       string `json:"projectId"`
	TaskID          string `json:"taskId"`
	Title           string `json:"title"`
	UserDescription string `json:"userDescription"`
	AIDescription   string `json:"aiDescription,omitempty"`
	Status          string `json:"status"`
	Epic            string `json:"epic,omitempty"`
}

// IndexResult reports the outcome of an index write.
// Skipped is reserved for hash-based dedup and is always 0.
type IndexResult struct {
	ChunksIndexed int `json:"chunksIndexed"`
	Skipped       int `json:"skipped"`
}

// RetrieveRequest describes the task that context is retrieved for.
type RetrieveRequest struct {
	ProjectID       string `json:"projectId"`
	Title           string `json:"title"`
	UserDescription string `json:"userDescription"`
	Epic            string `json:"epic,omitempty"`
}

// ContextChunk is one retrieved piece of context.
type ContextChunk struct {
	DocID    string  `json:"docId"`
	Text     string  `json:"text"`
	Kind     string  `json:"kind"`
	EntityID string  `json:"entityId,omitempty"`
	Status   string  `json:"status,omitempty"`
	Epic     string  `json:"epic,omitempty"`
	Title    string  `json:"title,omitempty"`
	Score    float64 `json:"score"`
}

// RetrieveStats describes a semantic retrieval. K is the number of chunks returned.
type RetrieveStats struct {
	K          int    `json:"k"`
	Collection string `json:"collection"`
	TookMs     int64  `json:"tookMs"`
}

// RetrieveResponse is the result of RetrieveSemantic.
type RetrieveResponse struct {
	Contexts []ContextChunk `json:"contexts"`
	Stats    RetrieveStats  `json:"stats"`
}
