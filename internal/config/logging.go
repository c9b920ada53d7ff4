package config

import "sia/internal/logging"

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	JSON       bool            `yaml:"json"`       // JSON on stderr
	File       string          `yaml:"file"`       // file inside logs_dir; empty disables
	Categories map[string]bool `yaml:"categories"` // per-category toggles
}

// Options converts the config section into logging options.
func (c LoggingConfig) Options() logging.Options {
	return logging.Options{
		Level:      c.Level,
		JSON:       c.JSON,
		File:       c.File,
		Categories: c.Categories,
	}
}
