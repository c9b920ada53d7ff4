package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all sia configuration. It is re-read at the top of every
// scheduler iteration, so every field may change between cycles.
type Config struct {
	// Backend selection for answering questions
	Provider string `yaml:"provider"` // dummy, openai, ollama, gemini
	Model    string `yaml:"model"`

	// Backend transport settings
	LLM LLMConfig `yaml:"llm"`

	Paths      PathsConfig      `yaml:"paths"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	RAG        RAGConfig        `yaml:"rag"`
	SelfUpdate SelfUpdateConfig `yaml:"self_update"`
	History    HistoryConfig    `yaml:"history"`
	Logging    LoggingConfig    `yaml:"logging"`

	// Workspace is the directory relative paths resolve against.
	Workspace string `yaml:"-"`
}

// PathsConfig locates the prompt, test suite and record directory.
type PathsConfig struct {
	ActivePrompt string   `yaml:"active_prompt"`
	TestsFile    string   `yaml:"tests_file"`
	LogsDir      string   `yaml:"logs_dir"`
	Candidates   []string `yaml:"candidates"`
}

// SchedulerConfig drives the background loop and the promotion gate.
type SchedulerConfig struct {
	Enabled              bool    `yaml:"enabled"`
	IntervalMinutes      int     `yaml:"interval_minutes"`
	IntervalSeconds      int     `yaml:"interval_seconds"`
	Burst                bool    `yaml:"burst"`
	SampleTests          int     `yaml:"sample_tests"`
	ScriptTimeoutSeconds int     `yaml:"script_timeout_seconds"`
	CooldownMinutes      int     `yaml:"cooldown_minutes"`
	MinPromotionGain     float64 `yaml:"min_promotion_gain"`
	MaxAutoCandidates    int     `yaml:"max_auto_candidates"` // 0 keeps every generated candidate
}

// EvaluationConfig configures scoring and the evaluation pool.
type EvaluationConfig struct {
	FailKeywords    []string `yaml:"fail_keywords"`
	ParallelWorkers Workers  `yaml:"parallel_workers"`
	DailySampleSize int      `yaml:"daily_sample_size"`
	Seed            int64    `yaml:"seed"` // 0 seeds from the clock
}

// SelfUpdateConfig configures guarded self-patching.
type SelfUpdateConfig struct {
	Enabled    bool     `yaml:"enabled"`
	AllowPaths []string `yaml:"allow_paths"`
	MaxFiles   int      `yaml:"max_files"`
	DryRun     bool     `yaml:"dry_run"`
	Explain    bool     `yaml:"explain"`
	MinGain    float64  `yaml:"min_gain"`
	Provider   string   `yaml:"provider"`
	Model      string   `yaml:"model"`
}

// HistoryConfig configures the SQL run ledger.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider: "dummy",
		Model:    "",

		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			OllamaURL:      "http://localhost:11434",
			TimeoutSeconds: 60,
			Temperature:    0.2,
			MaxTokens:      500,
		},

		Paths: PathsConfig{
			ActivePrompt: "prompts/active.txt",
			TestsFile:    "data/tests.jsonl",
			LogsDir:      "logs",
		},

		Scheduler: SchedulerConfig{
			Enabled:              false,
			IntervalMinutes:      60,
			IntervalSeconds:      5,
			ScriptTimeoutSeconds: 180,
			CooldownMinutes:      30,
			MinPromotionGain:     0.01,
		},

		Evaluation: EvaluationConfig{
			ParallelWorkers: Workers("auto"),
		},

		RAG: DefaultRAGConfig(),

		SelfUpdate: SelfUpdateConfig{
			AllowPaths: []string{"prompts/"},
			MaxFiles:   3,
			Explain:    true,
			MinGain:    0.01,
		},

		History: HistoryConfig{
			Enabled: true,
			Path:    "data/history.db",
		},

		Logging: LoggingConfig{
			Level: "info",
			File:  "sia.log",
		},
	}
}

// ConfigPath returns the conventional config location inside a workspace.
func ConfigPath(workspace string) string {
	return filepath.Join(workspace, "configs", "config.yaml")
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// LoadWorkspace loads <workspace>/configs/config.yaml and binds relative
// paths to the workspace.
func LoadWorkspace(workspace string) (*Config, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	cfg, err := Load(ConfigPath(abs))
	if err != nil {
		return nil, err
	}
	cfg.Workspace = abs
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.OpenAIAPIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.GeminiAPIKey = key
	} else if key := os.Getenv("GOOGLE_API_KEY"); key != "" && c.LLM.GeminiAPIKey == "" {
		c.LLM.GeminiAPIKey = key
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.LLM.OllamaURL = host
	}
	if p := os.Getenv("SIA_PROVIDER"); p != "" {
		c.Provider = p
	}
	if m := os.Getenv("SIA_MODEL"); m != "" {
		c.Model = m
	}
}

// ValidProviders lists all supported backends.
var ValidProviders = []string{"dummy", "openai", "ollama", "gemini"}

func validProvider(p string) bool {
	if p == "" {
		return true
	}
	for _, v := range ValidProviders {
		if p == v {
			return true
		}
	}
	return false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !validProvider(c.Provider) {
		return fmt.Errorf("invalid provider: %s (valid: %v)", c.Provider, ValidProviders)
	}
	if !validProvider(c.SelfUpdate.Provider) {
		return fmt.Errorf("invalid self_update.provider: %s (valid: %v)", c.SelfUpdate.Provider, ValidProviders)
	}
	if !validProvider(c.RAG.Summarize.Provider) {
		return fmt.Errorf("invalid rag.summarize.provider: %s (valid: %v)", c.RAG.Summarize.Provider, ValidProviders)
	}
	if c.Paths.ActivePrompt == "" {
		return fmt.Errorf("paths.active_prompt is required")
	}
	if c.Paths.LogsDir == "" {
		return fmt.Errorf("paths.logs_dir is required")
	}
	if c.SelfUpdate.MaxFiles < 0 {
		return fmt.Errorf("self_update.max_files must be >= 0, got %d", c.SelfUpdate.MaxFiles)
	}
	if c.RAG.Security.RateLimitPerDomain < 0 {
		return fmt.Errorf("rag.security.rate_limit_per_domain must be >= 0, got %d", c.RAG.Security.RateLimitPerDomain)
	}
	if c.Scheduler.MaxAutoCandidates < 0 {
		return fmt.Errorf("scheduler.max_auto_candidates must be >= 0, got %d", c.Scheduler.MaxAutoCandidates)
	}
	return nil
}

// Path resolves p against the workspace unless it is already absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Workspace == "" {
		return p
	}
	return filepath.Join(c.Workspace, p)
}

// ActivePromptPath returns the resolved active prompt path.
func (c *Config) ActivePromptPath() string { return c.Path(c.Paths.ActivePrompt) }

// TestsPath returns the resolved test suite path.
func (c *Config) TestsPath() string { return c.Path(c.Paths.TestsFile) }

// LogsDir returns the resolved record directory.
func (c *Config) LogsDir() string { return c.Path(c.Paths.LogsDir) }

// CandidatePaths returns the configured candidates resolved against the workspace.
func (c *Config) CandidatePaths() []string {
	out := make([]string, 0, len(c.Paths.Candidates))
	for _, p := range c.Paths.Candidates {
		out = append(out, c.Path(p))
	}
	return out
}

// Interval returns the sleep between cycles. Both intervals are clamped to at least one unit.
func (s SchedulerConfig) Interval() time.Duration {
	if s.Burst {
		return time.Duration(max(1, s.IntervalSeconds)) * time.Second
	}
	return time.Duration(max(1, s.IntervalMinutes)) * time.Minute
}

// ScriptTimeout bounds the self-update evaluation subprocess.
func (s SchedulerConfig) ScriptTimeout() time.Duration {
	if s.ScriptTimeoutSeconds <= 0 {
		return 180 * time.Second
	}
	return time.Duration(s.ScriptTimeoutSeconds) * time.Second
}

// Cooldown returns the minimum time between promotions.
func (s SchedulerConfig) Cooldown() time.Duration {
	return time.Duration(max(0, s.CooldownMinutes)) * time.Minute
}

// SampleSize returns the number of test cases to sample per evaluation.
// scheduler.sample_tests wins over evaluation.daily_sample_size; 0 means all.
func (c *Config) SampleSize() int {
	if c.Scheduler.SampleTests > 0 {
		return c.Scheduler.SampleTests
	}
	if c.Evaluation.DailySampleSize > 0 {
		return c.Evaluation.DailySampleSize
	}
	return 0
}

// SelfUpdateBackend returns the provider and model used for patch proposals,
// falling back to the global selection.
func (c *Config) SelfUpdateBackend() (provider, model string) {
	provider = c.SelfUpdate.Provider
	if provider == "" {
		provider = c.Provider
	}
	model = c.SelfUpdate.Model
	if model == "" {
		model = c.Model
	}
	return provider, model
}
