package domain

import "time"

// ChunkType discriminates stream chunks sent as SSE "message" events.
type ChunkType string

const (
	ChunkStart    ChunkType = "start"
	ChunkThinking ChunkType = "thinking"
	ChunkPlan     ChunkType = "plan"
	ChunkLog      ChunkType = "log"
	ChunkResult   ChunkType = "result"
	ChunkError    ChunkType = "error"
)

// StreamChunk is the payload of a "message" event.
type StreamChunk struct {
	Type      ChunkType `json:"type"`
	Content   string    `json:"content"`
	Index     *int      `json:"index,omitempty"`
	Timestamp string    `json:"timestamp"`
}

// NewChunk builds a chunk stamped with the current time.
func NewChunk(t ChunkType, content string) StreamChunk {
	return StreamChunk{Type: t, Content: content, Timestamp: Timestamp(time.Now())}
}

// Timestamp formats t the way every event payload carries it.
func Timestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
