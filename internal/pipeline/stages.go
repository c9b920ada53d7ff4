package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"sia/internal/config"
	"sia/internal/evaluation"
	"sia/internal/history"
	"sia/internal/logging"
	"sia/internal/promotion"
	"sia/internal/prompts"
	"sia/internal/retrieval"
)

func promptStore(cfg *config.Config) *prompts.Store {
	return prompts.NewStore(cfg.ActivePromptPath(), cfg.CandidatePaths())
}

func openIndex(cfg *config.Config) (*retrieval.Index, error) {
	return retrieval.Open(cfg.Path(cfg.RAG.StorePath))
}

func (p *Pipeline) ingest(ctx context.Context, cfg *config.Config) error {
	index, err := openIndex(cfg)
	if err != nil {
		return err
	}
	report, err := p.newIngestor(cfg, index).Run(ctx, cfg)
	if err != nil {
		return err
	}
	if report.Search != nil {
		logging.Ingest("search: %d chunks from %d sources", report.Search.LearnedChunks, report.Search.UniqueSources)
	}
	if report.RSS != nil {
		logging.Ingest("rss: %d chunks from %d sources", report.RSS.LearnedChunks, report.RSS.UniqueSources)
	}
	return nil
}

// grow writes one candidate per theme from the active prompt, then prunes
// generated candidates beyond scheduler.max_auto_candidates.
func (p *Pipeline) grow(cfg *config.Config) error {
	store := promptStore(cfg)
	active, err := store.Active()
	if err != nil {
		return err
	}

	counts := prompts.DefaultTagCounts()
	cases, err := evaluation.LoadTests(cfg.TestsPath())
	switch {
	case err == nil:
		if c := prompts.CountTags(evaluation.TagLists(cases)); len(c) > 0 {
			counts = c
		}
	case errors.Is(err, evaluation.ErrNoTests):
		// constant tag map
	default:
		return err
	}

	variants, err := prompts.NewGenerator(store).Generate(active, prompts.InferHints(counts))
	if err != nil {
		return err
	}
	for _, v := range variants {
		logging.Get(logging.CategoryScheduler).Info("candidate %s", v.Path)
	}
	if _, err := store.Prune(cfg.Scheduler.MaxAutoCandidates); err != nil {
		return fmt.Errorf("prune candidates: %w", err)
	}
	return nil
}

// sampleTests loads the suite and draws the configured sample.
func (p *Pipeline) sampleTests(cfg *config.Config) ([]evaluation.TestCase, error) {
	cases, err := evaluation.LoadTests(cfg.TestsPath())
	if err != nil {
		return nil, err
	}
	rng := evaluation.NewRand(cfg.Evaluation.Seed, func() int64 { return p.now().UnixNano() })
	return evaluation.Sample(cases, cfg.SampleSize(), rng), nil
}

func (p *Pipeline) evaluator(cfg *config.Config) (*evaluation.Evaluator, error) {
	backend, err := p.newBackend(cfg)
	if err != nil {
		return nil, err
	}
	workers := cfg.Evaluation.ParallelWorkers.Resolve(runtime.NumCPU())
	return evaluation.NewEvaluator(backend, cfg.Evaluation.FailKeywords, workers), nil
}

// evaluate scores the active prompt and writes eval_<stamp>.csv.
func (p *Pipeline) evaluate(ctx context.Context, cfg *config.Config, cycleID string) error {
	cases, err := p.sampleTests(cfg)
	if err != nil {
		return err
	}
	ev, err := p.evaluator(cfg)
	if err != nil {
		return err
	}
	store := promptStore(cfg)
	active, err := store.Active()
	if err != nil {
		return err
	}

	report, err := ev.Evaluate(ctx, active, cases)
	if err != nil {
		return err
	}
	path, err := evaluation.NewRecords(cfg.LogsDir()).WriteEval(report)
	if err != nil {
		return err
	}
	logging.Eval("avg_score=%.3f over %d cases (%s)", report.AvgScore, len(report.Rows), path)

	p.ledger(cycleID, func(ctx context.Context, h *history.Store) error {
		return h.RecordEvaluation(ctx, cycleID, history.Evaluation{
			Prompt:   store.ActivePath(),
			AvgScore: report.AvgScore,
			Cases:    len(report.Rows),
			Record:   path,
		})
	})
	return nil
}

// abTest scores every candidate on one shared sample and records the winner.
func (p *Pipeline) abTest(ctx context.Context, cfg *config.Config, cycleID string) error {
	cases, err := p.sampleTests(cfg)
	if err != nil {
		return err
	}
	ev, err := p.evaluator(cfg)
	if err != nil {
		return err
	}
	report, err := evaluation.NewABTester(ev, promptStore(cfg), evaluation.NewRecords(cfg.LogsDir())).Run(ctx, cases)
	if err != nil {
		return err
	}

	for _, r := range report.Results {
		p.ledger(cycleID, func(ctx context.Context, h *history.Store) error {
			return h.RecordEvaluation(ctx, cycleID, history.Evaluation{
				Prompt:   r.Candidate,
				AvgScore: r.AvgScore,
				Cases:    len(cases),
				Record:   report.Path,
			})
		})
	}
	return nil
}

func (p *Pipeline) promote(_ context.Context, cfg *config.Config, cycleID string) error {
	promoter := promotion.New(promptStore(cfg), cfg.LogsDir(), promotion.Options{
		Cooldown: cfg.Scheduler.Cooldown(),
		MinGain:  cfg.Scheduler.MinPromotionGain,
	}).WithClock(p.now)

	d, err := promoter.Promote()
	if err != nil {
		return err
	}
	p.ledger(cycleID, func(ctx context.Context, h *history.Store) error {
		return h.RecordPromotion(ctx, cycleID, history.Promotion{
			State:     string(d.State),
			Reason:    d.Reason,
			Candidate: d.Candidate,
			Score:     d.CandidateScore,
			Active:    d.ActiveScore,
		})
	})
	return nil
}

// selfUpdate never leaves a failed patch applied; an attempt that ended on
// an error still fails the stage so it shows in the run log.
func (p *Pipeline) selfUpdate(ctx context.Context, cfg *config.Config, cycleID string) error {
	u, err := p.newUpdater(cfg)
	if err != nil {
		return err
	}
	res := u.Run(ctx)
	logging.SelfUpdate("self-update finished: %s", res.State)

	p.ledger(cycleID, func(ctx context.Context, h *history.Store) error {
		return h.RecordSelfUpdate(ctx, cycleID, history.SelfUpdate{
			State:   string(res.State),
			Gain:    res.Gain,
			Applied: res.Applied,
			Backup:  res.Backup,
		})
	})
	if res.Err != nil {
		return fmt.Errorf("self-update %s: %w", res.State, res.Err)
	}
	return nil
}
