package evaluation

import (
	"context"
	"fmt"
	"sort"

	"sia/internal/logging"
	"sia/internal/prompts"
)

// CandidateScore is the average score of one candidate prompt.
type CandidateScore struct {
	Candidate string
	AvgScore  float64
}

// ABReport is the outcome of one A/B run. Results are in discovery order;
// Ranked is sorted by score, best first.
type ABReport struct {
	Results []CandidateScore
	Ranked  []CandidateScore
	Winner  *CandidateScore
	Path    string
}

// ABTester evaluates every candidate prompt on one shared test sample.
type ABTester struct {
	evaluator *Evaluator
	store     *prompts.Store
	records   *Records
}

// NewABTester creates an A/B tester.
func NewABTester(evaluator *Evaluator, store *prompts.Store, records *Records) *ABTester {
	return &ABTester{evaluator: evaluator, store: store, records: records}
}

// Run scores each discovered candidate against cases and records the
// winner. With no candidates nothing is written and Winner is nil.
func (a *ABTester) Run(ctx context.Context, cases []TestCase) (ABReport, error) {
	var report ABReport
	candidates, err := a.store.Candidates()
	if err != nil {
		return report, err
	}
	if len(candidates) == 0 {
		logging.ABTest("no candidates to compare")
		return report, nil
	}

	for _, path := range candidates {
		v, err := a.store.Read(path)
		if err != nil {
			logging.Get(logging.CategoryABTest).Warn("skipping candidate: %v", err)
			continue
		}
		rep, err := a.evaluator.Evaluate(ctx, v.Content, cases)
		if err != nil {
			return report, fmt.Errorf("evaluate %s: %w", path, err)
		}
		logging.ABTest("%s: %.3f", path, rep.AvgScore)
		report.Results = append(report.Results, CandidateScore{Candidate: path, AvgScore: rep.AvgScore})
	}
	if len(report.Results) == 0 {
		return report, nil
	}

	report.Ranked = Rank(report.Results)
	winner := report.Ranked[0]
	report.Winner = &winner

	if report.Path, err = a.records.WriteAB(report.Results); err != nil {
		return report, err
	}
	if err := a.records.WriteLastWinner(winner); err != nil {
		return report, fmt.Errorf("failed to write last winner: %w", err)
	}
	logging.ABTest("winner %s (%.3f)", winner.Candidate, winner.AvgScore)
	return report, nil
}

// Rank sorts results by score descending. Ties keep their input order.
func Rank(results []CandidateScore) []CandidateScore {
	ranked := append([]CandidateScore(nil), results...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].AvgScore > ranked[j].AvgScore
	})
	return ranked
}
