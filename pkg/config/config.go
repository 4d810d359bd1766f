// Package config loads pipeline configuration from a YAML file with
// environment overrides. API keys come from the environment only and are
// never written to config files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names accepted in the llm section.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGoogle    = "google"
)

// LLMConfig selects the model provider for the pipeline's agents.
type LLMConfig struct {
	// Provider is one of anthropic, openai, ollama, google.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// Host is the server URL for the ollama provider.
	Host string `yaml:"host,omitempty"`
	// CallTimeout bounds each non-streaming model call.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// MaxConcurrentCalls bounds in-flight model calls across fan-out.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
	// APIKey is populated from the provider's environment variable,
	// never from the file.
	APIKey string `yaml:"-"`
}

// GuardrailConfig bounds the pipeline input. Zero values disable a check.
type GuardrailConfig struct {
	MinWords         int      `yaml:"min_words"`
	MaxInputTokens   int      `yaml:"max_input_tokens"`
	RequiredSections []string `yaml:"required_sections"`
	JudgeInput       bool     `yaml:"judge_input"`
}

// TrackerConfig points the Ticketing stage at a Jira-style tracker. An
// empty BaseURL disables ticket submission; the plan is still generated.
type TrackerConfig struct {
	BaseURL    string `yaml:"base_url"`
	Email      string `yaml:"email"`
	ProjectKey string `yaml:"project_key"`
	// APIToken comes from TRACKER_API_TOKEN, never from the file.
	APIToken string `yaml:"-"`
}

// DefaultsConfig holds generation settings a run can override per flag.
type DefaultsConfig struct {
	AppType  string   `yaml:"app_type"`
	Language string   `yaml:"language"`
	CloudEnv string   `yaml:"cloud_env"`
	Fanout   []string `yaml:"fanout"`
	Review   bool     `yaml:"review"`
}

// Config is the root configuration.
type Config struct {
	LLM        LLMConfig       `yaml:"llm"`
	Guardrails GuardrailConfig `yaml:"guardrails"`
	Tracker    TrackerConfig   `yaml:"tracker"`
	Defaults   DefaultsConfig  `yaml:"defaults"`
	// EventLogDir is where run event JSONL files go. Empty disables.
	EventLogDir string `yaml:"event_log_dir"`
	// ArchivePath is the SQLite run archive. Empty disables.
	ArchivePath string `yaml:"archive_path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Provider:           ProviderAnthropic,
			Model:              "claude-sonnet-4-20250514",
			CallTimeout:        2 * time.Minute,
			MaxConcurrentCalls: 4,
		},
		Guardrails: GuardrailConfig{
			MinWords:         3,
			MaxInputTokens:   4000,
			RequiredSections: []string{"Requirements", "Assumptions", "Edge Cases"},
			JudgeInput:       true,
		},
		Defaults: DefaultsConfig{
			AppType:  "Web Application",
			Language: "Python",
			CloudEnv: "GCP",
			Fanout:   []string{"TESTING", "CODING", "TICKETING", "DIAGRAMMING"},
			Review:   true,
		},
	}
}

// Load reads the config file at path, merges it over the defaults, applies
// environment overrides, and validates the result. An empty path loads
// defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv pulls secrets and overrides from the environment.
func applyEnv(cfg *Config) {
	if provider := os.Getenv("REQGENIE_PROVIDER"); provider != "" {
		cfg.LLM.Provider = provider
	}
	if model := os.Getenv("REQGENIE_MODEL"); model != "" {
		cfg.LLM.Model = model
	}

	switch cfg.LLM.Provider {
	case ProviderAnthropic:
		cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	case ProviderGoogle:
		cfg.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	case ProviderOllama:
		if host := os.Getenv("OLLAMA_HOST"); host != "" {
			cfg.LLM.Host = host
		}
	}

	cfg.Tracker.APIToken = os.Getenv("TRACKER_API_TOKEN")
}

// Validate checks the configuration for problems that would fail later at
// a worse time.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderOllama, ProviderGoogle:
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	if c.LLM.CallTimeout <= 0 {
		return fmt.Errorf("llm call_timeout must be positive")
	}
	if c.LLM.MaxConcurrentCalls < 0 {
		return fmt.Errorf("llm max_concurrent_calls must not be negative")
	}
	if c.LLM.Provider == ProviderOllama && c.LLM.Host == "" {
		return fmt.Errorf("ollama provider requires a host")
	}
	if c.Guardrails.MinWords < 0 || c.Guardrails.MaxInputTokens < 0 {
		return fmt.Errorf("guardrail bounds must not be negative")
	}
	if c.Tracker.BaseURL != "" && c.Tracker.ProjectKey == "" {
		return fmt.Errorf("tracker base_url requires a project_key")
	}
	for _, stage := range c.Defaults.Fanout {
		switch strings.ToUpper(stage) {
		case "TESTING", "CODING", "TICKETING", "DIAGRAMMING":
		default:
			return fmt.Errorf("unknown fan-out stage %q", stage)
		}
	}
	return nil
}
