// Package agent wraps the external biomedical research agent.
package agent

import (
	"time"
)

// Config is the optional per-request agent configuration sent by clients.
// Unset fields fall back to process defaults.
type Config struct {
	LLM              string `json:"llm,omitempty"`
	Source           string `json:"source,omitempty"`
	APIKey           string `json:"api_key,omitempty"`
	TimeoutSeconds   int    `json:"timeout_seconds,omitempty"`
	UseToolRetriever *bool  `json:"use_tool_retriever,omitempty"`
}

// Settings is a fully resolved agent configuration for one invocation.
type Settings struct {
	Model            string
	Source           string
	APIKey           string
	DataPath         string
	Timeout          time.Duration
	UseToolRetriever bool
}

// Request is a single agent invocation.
type Request struct {
	SessionID string
	Message   string
	Settings  Settings
}

// Transcript is the raw output of one agent run: the intermediate log
// entries and the final answer text.
type Transcript struct {
	Log   []string
	Final string
}

// Result is a post-processed agent run.
type Result struct {
	Log      []string
	FullLog  string // log entries joined by newlines
	Final    string // raw final answer
	Solution string // text between the solution delimiters, or the trimmed final answer
	Thinking string
	Plan     string
	Duration time.Duration
}
