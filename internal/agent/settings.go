package agent

import (
	"os"
	"strings"
	"time"
)

// LLM sources understood by the agent.
const (
	SourceOpenAI      = "OpenAI"
	SourceAzureOpenAI = "AzureOpenAI"
	SourceAnthropic   = "Anthropic"
	SourceGemini      = "Gemini"
	SourceGroq        = "Groq"
	SourceBedrock     = "Bedrock"
	SourceOllama      = "Ollama"
)

// apiKeyEnv lists, per source, the environment variables holding its API key.
// Sources absent from this map authenticate some other way.
var apiKeyEnv = map[string][]string{
	SourceOpenAI:      {"OPENAI_API_KEY"},
	SourceAzureOpenAI: {"AZURE_OPENAI_API_KEY"},
	SourceAnthropic:   {"ANTHROPIC_API_KEY"},
	SourceGemini:      {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	SourceGroq:        {"GROQ_API_KEY"},
}

// Defaults are the process-wide agent settings requests are merged over.
type Defaults struct {
	Model            string
	Source           string // LLM_SOURCE override
	APIKey           string
	DataPath         string
	Timeout          time.Duration
	UseToolRetriever bool
}

// Resolve merges a request configuration over the defaults. It never mutates d.
// getenv may be nil, in which case os.Getenv is used.
func (d Defaults) Resolve(req *Config, getenv func(string) string) Settings {
	if getenv == nil {
		getenv = os.Getenv
	}

	s := Settings{
		Model:            d.Model,
		Source:           d.Source,
		DataPath:         d.DataPath,
		Timeout:          d.Timeout,
		UseToolRetriever: d.UseToolRetriever,
	}
	if req != nil {
		if req.LLM != "" {
			s.Model = req.LLM
		}
		if req.Source != "" {
			s.Source = req.Source
		}
		if req.TimeoutSeconds > 0 {
			s.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
		}
		if req.UseToolRetriever != nil {
			s.UseToolRetriever = *req.UseToolRetriever
		}
	}
	if s.Source == "" {
		s.Source = InferSource(s.Model)
	}

	s.APIKey = resolveAPIKey(s.Source, req, getenv, d.APIKey)
	return s
}

// MissingAPIKey reports whether the source needs an API key and none was found.
func (s Settings) MissingAPIKey() bool {
	_, needsKey := apiKeyEnv[s.Source]
	return needsKey && s.APIKey == ""
}

// InferSource guesses the LLM source from the model name. It returns "" when
// the name matches no known prefix.
func InferSource(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return ""
	case strings.HasPrefix(m, "claude-"):
		return SourceAnthropic
	case strings.HasPrefix(m, "gemini-"):
		return SourceGemini
	case strings.HasPrefix(m, "azure-"):
		return SourceAzureOpenAI
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return SourceOpenAI
	case strings.HasPrefix(m, "us.anthropic."), strings.HasPrefix(m, "anthropic."), strings.HasPrefix(m, "amazon."):
		return SourceBedrock
	case strings.HasPrefix(m, "groq/"), strings.HasPrefix(m, "llama-3"), strings.HasPrefix(m, "mixtral-"):
		return SourceGroq
	default:
		return ""
	}
}

// resolveAPIKey picks the key in priority order: request, environment, process default.
func resolveAPIKey(source string, req *Config, getenv func(string) string, fallback string) string {
	if req != nil && req.APIKey != "" {
		return req.APIKey
	}
	for _, name := range apiKeyEnv[source] {
		if v := getenv(name); v != "" {
			return v
		}
	}
	return fallback
}
