package evaluation

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"sia/internal/prompts"
)

// Record file names inside the logs directory.
const (
	evalPrefix     = "eval_"
	abPrefix       = "abtest_"
	LastWinnerFile = "last_winner.txt"
)

// Records writes and reads the timestamped evaluation artifacts.
type Records struct {
	dir    string
	now    func() time.Time
	stamps prompts.Stamper
}

// NewRecords creates a record writer for dir.
func NewRecords(dir string) *Records {
	return &Records{dir: dir, now: time.Now}
}

// Dir returns the records directory.
func (r *Records) Dir() string { return r.dir }

func (r *Records) create(prefix string) (*os.File, string, error) {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create logs directory: %w", err)
	}
	path := filepath.Join(r.dir, prefix+r.stamps.Next(r.now())+".csv")
	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, path, nil
}

// WriteEval stores rep as eval_<stamp>.csv and returns its path.
func (r *Records) WriteEval(rep Report) (string, error) {
	f, path, err := r.create(evalPrefix)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{"test_id", "score", "answer"})
	for _, row := range rep.Rows {
		_ = w.Write([]string{string(row.TestID), formatFloat(row.Score), row.Answer})
	}
	_ = w.Write([]string{})
	_ = w.Write([]string{"avg_score", formatFloat(rep.AvgScore)})
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// WriteAB stores the candidate scores in discovery order as abtest_<stamp>.csv.
func (r *Records) WriteAB(results []CandidateScore) (string, error) {
	f, path, err := r.create(abPrefix)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{"candidate", "avg_score"})
	for _, res := range results {
		_ = w.Write([]string{res.Candidate, formatFloat(res.AvgScore)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// WriteLastWinner points last_winner.txt at the winning candidate.
func (r *Records) WriteLastWinner(winner CandidateScore) error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	line := fmt.Sprintf("%s,%.4f\n", winner.Candidate, winner.AvgScore)
	return os.WriteFile(filepath.Join(r.dir, LastWinnerFile), []byte(line), 0644)
}

// ReadLastWinner loads the last A/B winner. ok is false when no A/B run has
// produced one.
func ReadLastWinner(dir string) (winner CandidateScore, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, LastWinnerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return CandidateScore{}, false, nil
		}
		return CandidateScore{}, false, err
	}
	line := strings.TrimSpace(string(data))
	if line == "" {
		return CandidateScore{}, false, nil
	}
	idx := strings.LastIndex(line, ",")
	if idx < 0 {
		return CandidateScore{}, false, fmt.Errorf("malformed %s: %q", LastWinnerFile, line)
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(line[idx+1:]), 64)
	if err != nil {
		return CandidateScore{}, false, fmt.Errorf("malformed %s score: %w", LastWinnerFile, err)
	}
	return CandidateScore{Candidate: line[:idx], AvgScore: score}, true, nil
}

// LatestEval returns the newest eval record in dir. ok is false when there is
// none.
func LatestEval(dir string) (path string, ok bool, err error) {
	matches, err := filepath.Glob(filepath.Join(dir, evalPrefix+"*.csv"))
	if err != nil {
		return "", false, err
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], true, nil
}

// LatestScore returns the avg_score of the newest eval record, or 0 when
// there is none.
func LatestScore(dir string) (float64, error) {
	path, ok, err := LatestEval(dir)
	if err != nil || !ok {
		return 0, err
	}
	return ReadAvgScore(path)
}

// gainTolerance absorbs float error on differences of k/n scores.
const gainTolerance = 1e-9

// MeetsGain reports whether gain reaches minGain.
func MeetsGain(gain, minGain float64) bool {
	return gain+gainTolerance >= minGain
}

// ReadAvgScore extracts the avg_score line of an eval record.
func ReadAvgScore(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	score := 0.0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "avg_score") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return 0, fmt.Errorf("malformed avg_score in %s: %w", path, err)
		}
		score = v
	}
	return score, sc.Err()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
