// Package config loads ForgeFlow's runtime configuration from a YAML file
// overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Corpus     CorpusConfig     `yaml:"corpus"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Credentials holds per-service credentials present in the environment,
	// keyed by the variable name a workflow step reads at sandbox execution
	// time (e.g. "SLACK_BOT_TOKEN"). Never serialized back to YAML.
	Credentials map[string]string `yaml:"-"`
}

// ServerConfig holds HTTP control-plane settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// JWTSecret signs the bearer tokens guarding pipeline-control
	// endpoints (JWT_SECRET). Empty disables auth, for local dev only.
	JWTSecret string `yaml:"-"`
}

// LLMConfig holds the provider/model used for every structured LLM call
// in the pipeline (extraction, rerank, mapping, codegen, self-debug).
type LLMConfig struct {
	APIKey string `yaml:"-"` // LLM_API_KEY, never persisted to disk
	Model  string `yaml:"model"`
}

// PipelineConfig holds the runner's bounded-retry and gating parameters.
type PipelineConfig struct {
	MaxDebugAttempts     int     `yaml:"max_debug_attempts"`
	ConfidenceThreshold  float64 `yaml:"confidence_threshold"`
	MaxClarifyQuestions  int     `yaml:"max_clarify_questions"`
	PipelineTimeoutSec   int     `yaml:"pipeline_timeout_seconds"`
	LLMCallTimeoutSec    int     `yaml:"llm_call_timeout_seconds"`
	ToolLoopCeilingTotal int     `yaml:"tool_loop_ceiling_total"`
	ToolLoopCeilingStep  int     `yaml:"tool_loop_ceiling_step"`
	// EnableWebFetch exposes the fetch_web_page tool to the codegen
	// agent. Off by default.
	EnableWebFetch bool `yaml:"enable_web_fetch"`
}

// SandboxConfig holds execution-isolation parameters.
type SandboxConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Backend        string `yaml:"backend"` // "container" or "inprocess"
	OutputDir      string `yaml:"output_dir"`
}

// DiscoveryConfig holds semantic-retrieval parameters.
type DiscoveryConfig struct {
	TopK            int     `yaml:"top_k"`
	SimilarityFloor float64 `yaml:"similarity_floor"`
}

// CorpusConfig names the documentation sources loaded into the API
// corpus at startup: a JSON fixture, and optionally a spreadsheet
// catalog, PDF references, and an RSS/Atom changelog feed.
type CorpusConfig struct {
	JSONPath string          `yaml:"json_path"`
	XLSXPath string          `yaml:"xlsx_path"`
	Sheet    string          `yaml:"sheet"`
	PDFs     []CorpusPDF     `yaml:"pdfs"`
	Feeds    []CorpusRSSFeed `yaml:"feeds"`
}

// CorpusPDF is one PDF API reference: the file plus the service and
// endpoint path it documents.
type CorpusPDF struct {
	File    string `yaml:"file"`
	Service string `yaml:"service"`
	Path    string `yaml:"path"`
}

// CorpusRSSFeed is one changelog feed to ingest endpoint docs from.
type CorpusRSSFeed struct {
	URL     string `yaml:"url"`
	Service string `yaml:"service"`
}

// CheckpointConfig selects the checkpoint persistence backend.
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // "memory", "file", or "postgres"
	Dir     string `yaml:"dir"`
	DSN     string `yaml:"-"`
}

// defaults returns a Config populated with the recommended defaults.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		LLM:    LLMConfig{Model: "gemini-2.5-flash"},
		Pipeline: PipelineConfig{
			MaxDebugAttempts:     3,
			ConfidenceThreshold:  0.75,
			MaxClarifyQuestions:  2,
			PipelineTimeoutSec:   180,
			LLMCallTimeoutSec:    60,
			ToolLoopCeilingTotal: 40,
			ToolLoopCeilingStep:  8,
		},
		Sandbox: SandboxConfig{
			TimeoutSeconds: 60,
			Backend:        "inprocess",
			OutputDir:      "./artifacts",
		},
		Discovery: DiscoveryConfig{
			TopK:            5,
			SimilarityFloor: 0.5,
		},
		Corpus: CorpusConfig{
			JSONPath: "corpus.json",
			Sheet:    "endpoints",
		},
		Checkpoint: CheckpointConfig{
			Backend: "memory",
			Dir:     "./checkpoints",
		},
		Credentials: map[string]string{},
	}
}

// Load reads a YAML configuration file at path, then overlays recognized
// environment variables on top of it. A missing file is not an error —
// defaults plus environment overrides are used instead.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}

	return cfg, nil
}

// LoadDefault tries to load "config.yaml" from the current directory.
func LoadDefault() (*Config, error) {
	return Load("config.yaml")
}

// applyEnvOverrides overlays the recognized environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v, ok := envInt("MAX_DEBUG_ATTEMPTS"); ok {
		cfg.Pipeline.MaxDebugAttempts = v
	}
	if v, ok := envInt("SANDBOX_TIMEOUT"); ok {
		cfg.Sandbox.TimeoutSeconds = v
	}
	if v, ok := envFloat("CONFIDENCE_THRESHOLD"); ok {
		cfg.Pipeline.ConfidenceThreshold = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Checkpoint.DSN = v
		if cfg.Checkpoint.Backend == "memory" {
			cfg.Checkpoint.Backend = "postgres"
		}
	}

	// Per-service credentials: presence gates discovery candidates.
	cfg.Credentials = map[string]string{}
	for _, name := range []string{
		"SLACK_BOT_TOKEN", "GMAIL_ADDRESS", "GMAIL_APP_PASSWORD", "GOOGLE_API_KEY",
	} {
		if v := os.Getenv(name); v != "" {
			cfg.Credentials[name] = v
		}
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
