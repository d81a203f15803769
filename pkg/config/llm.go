package config

import "time"

// LLMConfig selects and configures the model provider. The core only
// depends on the complete(system, user) -> text contract.
type LLMConfig struct {
	// Provider is one of ollama, openai, opencode, static.
	Provider string

	// Timeout caps one completion call.
	Timeout time.Duration

	// MaxRetries bounds transient-failure retries.
	MaxRetries int

	OllamaBaseURL string
	OllamaModel   string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	OpencodeBaseURL string
	OpencodeModel   string
}

func loadLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:        getEnv("LLM_PROVIDER", "ollama"),
		Timeout:         getEnvSeconds("LLM_TIMEOUT_SECONDS", 2*time.Minute),
		MaxRetries:      getEnvInt("LLM_MAX_RETRIES", 3),
		OllamaBaseURL:   getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:     getEnv("OLLAMA_MODEL", "llama3.1"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpencodeBaseURL: getEnv("OPENCODE_BASE_URL", "http://localhost:4096"),
		OpencodeModel:   getEnv("OPENCODE_MODEL", ""),
	}
}
