package config

import "time"

// RAGConfig configures ingestion and the retrieval store.
type RAGConfig struct {
	StorePath  string          `yaml:"store_path"`
	ChunkWords int             `yaml:"chunk_words"`
	Security   SecurityConfig  `yaml:"security"`
	Summarize  SummarizeConfig `yaml:"summarize"`
	Search     SearchConfig    `yaml:"search"`
	RSS        RSSConfig       `yaml:"rss"`
}

// SecurityConfig is the ingestion safety policy.
type SecurityConfig struct {
	AllowedSchemes          []string `yaml:"allowed_schemes"`
	AllowDomains            []string `yaml:"allow_domains"`
	BlockDomains            []string `yaml:"block_domains"`
	DisallowPrivateIPs      bool     `yaml:"disallow_private_ips"`
	AllowUnresolvedHosts    bool     `yaml:"allow_unresolved_hosts"`
	RespectRobots           bool     `yaml:"respect_robots"`
	RateLimitPerDomain      int      `yaml:"rate_limit_per_domain"`       // requests per minute
	BurstRateLimitPerDomain int      `yaml:"burst_rate_limit_per_domain"` // replaces rate_limit_per_domain in burst mode when > 0
	MaxRateWaitSeconds      int      `yaml:"max_rate_wait_seconds"`
	MaxPagesPerDomain       int      `yaml:"max_pages_per_domain"`
	RedactPatterns          []string `yaml:"redact_patterns"`
	UserAgent               string   `yaml:"user_agent"`
	TimeoutSeconds          int      `yaml:"timeout_seconds"`
	MaxCharsPerPage         int      `yaml:"max_chars_per_page"`
}

// SummarizeConfig configures optional LM summaries of fetched pages.
type SummarizeConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	Prompt        string `yaml:"prompt"`
	MaxTokens     int    `yaml:"max_tokens"`
	MaxInputChars int    `yaml:"max_input_chars"`
	StoreRaw      bool   `yaml:"store_raw"`
}

// SearchConfig lists the web queries ingested each cycle.
type SearchConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Queries    []string `yaml:"queries"`
	MaxResults int      `yaml:"max_results"`
}

// RSSConfig lists the feeds ingested each cycle.
type RSSConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Feeds        []string `yaml:"feeds"`
	LimitPerFeed int      `yaml:"limit_per_feed"`
}

// DefaultRAGConfig returns the ingestion defaults.
func DefaultRAGConfig() RAGConfig {
	return RAGConfig{
		StorePath:  "data/rag.jsonl",
		ChunkWords: 800,
		Security: SecurityConfig{
			AllowedSchemes:     []string{"http", "https"},
			DisallowPrivateIPs: true,
			RespectRobots:      true,
			RateLimitPerDomain: 6,
			MaxRateWaitSeconds: 15,
			MaxPagesPerDomain:  5,
			UserAgent:          "SIA-Ingest/1.0",
			TimeoutSeconds:     20,
			MaxCharsPerPage:    20000,
		},
		Summarize: SummarizeConfig{
			Provider:      "openai",
			Prompt:        "Résumé",
			MaxTokens:     600,
			MaxInputChars: 8000,
		},
		Search: SearchConfig{
			Enabled:    true,
			MaxResults: 3,
		},
		RSS: RSSConfig{
			LimitPerFeed: 3,
		},
	}
}

// RequestsPerMinute returns the effective per-domain rate for the current mode.
func (s SecurityConfig) RequestsPerMinute(burst bool) int {
	if burst && s.BurstRateLimitPerDomain > 0 {
		return s.BurstRateLimitPerDomain
	}
	return s.RateLimitPerDomain
}

// FetchTimeout returns the per-request HTTP timeout.
func (s SecurityConfig) FetchTimeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// MaxRateWait caps a single rate-limit sleep.
func (s SecurityConfig) MaxRateWait() time.Duration {
	if s.MaxRateWaitSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(s.MaxRateWaitSeconds) * time.Second
}
