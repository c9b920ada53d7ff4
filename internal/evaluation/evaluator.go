package evaluation

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"sia/internal/llm"
	"sia/internal/logging"
)

// Row is the outcome of one test case.
type Row struct {
	TestID CaseID
	Score  float64
	Answer string
}

// Report is the outcome of one evaluation.
type Report struct {
	Rows     []Row
	AvgScore float64
}

// Evaluator answers every test case with a prompt and scores the answers.
type Evaluator struct {
	backend      llm.Backend
	failKeywords []string
	workers      int
}

// NewEvaluator creates an evaluator running at most workers calls at once.
func NewEvaluator(backend llm.Backend, failKeywords []string, workers int) *Evaluator {
	return &Evaluator{backend: backend, failKeywords: failKeywords, workers: max(1, workers)}
}

// Evaluate scores promptText against cases. Rows keep the order of cases.
// Backend failures become marker answers and are scored like any answer.
func (e *Evaluator) Evaluate(ctx context.Context, promptText string, cases []TestCase) (Report, error) {
	timer := logging.StartTimer(logging.CategoryEval, "evaluate")
	defer timer.Stop()

	rows := make([]Row, len(cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, tc := range cases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			answer := llm.Answer(gctx, e.backend, promptText, tc.Question)
			rows[i] = Row{
				TestID: tc.ID,
				Score:  Score(answer, tc.ExpectedKeywords, e.failKeywords),
				Answer: strings.ReplaceAll(answer, "\n", " "),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	total := 0.0
	for _, r := range rows {
		total += r.Score
	}
	report := Report{Rows: rows, AvgScore: total / float64(max(1, len(rows)))}
	logging.EvalDebug("evaluated %d cases with %d workers: avg %.3f", len(rows), e.workers, report.AvgScore)
	return report, nil
}
