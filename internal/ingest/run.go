package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"sia/internal/config"
	"sia/internal/logging"
)

// LastRunFile is the record of the most recent ingestion cycle.
const LastRunFile = "ingest_last.json"

// Report summarizes one ingestion cycle. Disabled sources are nil.
type Report struct {
	Search *Summary `json:"search"`
	RSS    *Summary `json:"rss"`
}

// Run ingests the configured search queries and feeds and writes the report
// to <logs_dir>/ingest_last.json.
func (in *Ingestor) Run(ctx context.Context, cfg *config.Config) (Report, error) {
	timer := logging.StartTimer(logging.CategoryIngest, "ingestion cycle")
	defer timer.Stop()

	var report Report
	if s := cfg.RAG.Search; s.Enabled && len(s.Queries) > 0 {
		sum, err := in.IngestFromSearch(ctx, s.Queries, max(1, s.MaxResults))
		report.Search = &sum
		if err != nil {
			return report, err
		}
	}
	if r := cfg.RAG.RSS; r.Enabled && len(r.Feeds) > 0 {
		sum, err := in.IngestFromFeeds(ctx, r.Feeds, max(1, r.LimitPerFeed))
		report.RSS = &sum
		if err != nil {
			return report, err
		}
	}

	if err := WriteReport(cfg.LogsDir(), report); err != nil {
		return report, err
	}
	return report, nil
}

// WriteReport stores report as ingest_last.json inside dir.
func WriteReport(dir string, report Report) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ingest report: %w", err)
	}
	path := filepath.Join(dir, LastRunFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadReport loads the last ingestion report from dir.
func ReadReport(dir string) (Report, error) {
	var report Report
	data, err := os.ReadFile(filepath.Join(dir, LastRunFile))
	if err != nil {
		return report, err
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("failed to parse ingest report: %w", err)
	}
	return report, nil
}
