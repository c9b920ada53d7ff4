package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"sia/internal/config"
	"sia/internal/evaluation"
	"sia/internal/history"
	"sia/internal/ingest"
	"sia/internal/logging"
	"sia/internal/promotion"
	"sia/internal/retrieval"
	"sia/internal/scheduler"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Width(18)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// statusView is everything the status command shows.
type statusView struct {
	Provider      string
	Model         string
	Loop          scheduler.Status
	ActivePrompt  string
	ActiveScore   float64
	Winner        *evaluation.CandidateScore
	LastPromotion time.Time
	Ingest        *ingest.Report
	Documents     int
	Cycles        []history.Cycle
	Trend         []float64
}

// statusCmd shows loop settings, scores and recent cycles
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scores, the promotion state and recent cycles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := collectStatus(cmd.Context(), cfg, hist)
		if err != nil {
			return err
		}
		fmt.Println(renderStatus(v))
		return nil
	},
}

func collectStatus(ctx context.Context, cfg *config.Config, h *history.Store) (statusView, error) {
	v := statusView{
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		ActivePrompt: cfg.ActivePromptPath(),
	}

	sched := scheduler.New(pipe)
	if err := sched.Refresh(); err != nil {
		return v, err
	}
	v.Loop = sched.Status()

	logs := cfg.LogsDir()
	var err error
	if v.ActiveScore, err = evaluation.LatestScore(logs); err != nil {
		return v, err
	}
	if w, ok, err := evaluation.ReadLastWinner(logs); err != nil {
		return v, err
	} else if ok {
		v.Winner = &w
	}
	if v.LastPromotion, err = promotion.LastPromotion(logs); err != nil {
		return v, err
	}
	if r, err := ingest.ReadReport(logs); err == nil {
		v.Ingest = &r
	}
	if ix, err := retrieval.Open(cfg.Path(cfg.RAG.StorePath)); err == nil {
		v.Documents = ix.Len()
	} else {
		logging.StoreWarn("cannot open retrieval store: %v", err)
	}

	if h != nil {
		if v.Cycles, err = h.RecentCycles(ctx, 5); err != nil {
			return v, err
		}
		if v.Trend, err = h.ScoreTrend(ctx, v.ActivePrompt, 10); err != nil {
			return v, err
		}
	}
	return v, nil
}

func row(label, value string) string {
	return labelStyle.Render(label) + value
}

func okText(ok bool, text string) string {
	if ok {
		return okStyle.Render(text)
	}
	return failStyle.Render(text)
}

func renderStatus(v statusView) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("sia status") + "\n\n")

	backend := v.Provider
	if v.Model != "" {
		backend += " / " + v.Model
	}
	loop := "disabled in config"
	if v.Loop.EnabledInConfig {
		loop = "enabled in config"
	}
	mode := "normal"
	if v.Loop.Burst {
		mode = "burst"
	}
	b.WriteString(row("backend", backend) + "\n")
	b.WriteString(row("loop", fmt.Sprintf("%s, %s, every %s", loop, mode, v.Loop.Interval)) + "\n")
	b.WriteString(row("active prompt", v.ActivePrompt) + "\n")
	b.WriteString(row("active score", fmt.Sprintf("%.3f", v.ActiveScore)) + "\n")

	winner := "none"
	if v.Winner != nil {
		winner = fmt.Sprintf("%s (%.4f)", v.Winner.Candidate, v.Winner.AvgScore)
	}
	b.WriteString(row("last winner", winner) + "\n")

	promoted := "never"
	if !v.LastPromotion.IsZero() {
		promoted = v.LastPromotion.Format("2006-01-02 15:04:05")
	}
	b.WriteString(row("last promotion", promoted) + "\n")
	b.WriteString(row("documents", fmt.Sprintf("%d", v.Documents)) + "\n")

	if v.Ingest != nil {
		b.WriteString(row("last ingest", ingestLine(*v.Ingest)) + "\n")
	}
	if len(v.Trend) > 0 {
		parts := make([]string, len(v.Trend))
		for i, s := range v.Trend {
			parts[i] = fmt.Sprintf("%.2f", s)
		}
		b.WriteString(row("score trend", strings.Join(parts, " → ")) + "\n")
	}

	if len(v.Cycles) > 0 {
		var cb strings.Builder
		for i, c := range v.Cycles {
			if i > 0 {
				cb.WriteString("\n")
			}
			cb.WriteString(cycleLine(c))
		}
		b.WriteString("\n" + boxStyle.Render(cb.String()))
	}
	return b.String()
}

func ingestLine(r ingest.Report) string {
	var parts []string
	if r.Search != nil {
		parts = append(parts, fmt.Sprintf("search %d chunks / %d sources", r.Search.LearnedChunks, r.Search.UniqueSources))
	}
	if r.RSS != nil {
		parts = append(parts, fmt.Sprintf("rss %d chunks / %d sources", r.RSS.LearnedChunks, r.RSS.UniqueSources))
	}
	if len(parts) == 0 {
		return "nothing configured"
	}
	return strings.Join(parts, ", ")
}

func cycleLine(c history.Cycle) string {
	state := okText(c.OK, "ok")
	if c.FinishedAt.IsZero() {
		state = "running"
	} else if !c.OK {
		state = okText(false, "failed")
	}
	stages := make([]string, len(c.Stages))
	for i, s := range c.Stages {
		stages[i] = okText(s.OK, s.Name)
	}
	return fmt.Sprintf("%s  %-16s %s  %s",
		c.StartedAt.Local().Format("01-02 15:04:05"), c.Trigger, state, strings.Join(stages, " "))
}
