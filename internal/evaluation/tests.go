// Package evaluation scores prompts against the fixed test suite and picks
// the best candidate prompt.
package evaluation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// ErrNoTests is returned when the test suite is missing or empty.
var ErrNoTests = errors.New("no test cases")

// CaseID is a test identifier. The suite may use numbers or strings.
type CaseID string

// UnmarshalJSON accepts a JSON string or number.
func (id *CaseID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = CaseID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("test id must be a string or number: %w", err)
	}
	*id = CaseID(n.String())
	return nil
}

// TestCase is one question of the suite.
type TestCase struct {
	ID               CaseID   `json:"id"`
	Question         string   `json:"question"`
	ExpectedKeywords []string `json:"expected_keywords"`
	Tags             []string `json:"tags"`
}

// LoadTests reads a JSONL test suite. Blank lines are skipped; a malformed
// line is an error naming its line number.
func LoadTests(path string) ([]TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s not found", ErrNoTests, path)
		}
		return nil, fmt.Errorf("failed to read tests: %w", err)
	}

	var cases []TestCase
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var tc TestCase
		if err := json.Unmarshal(raw, &tc); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if tc.ID == "" {
			tc.ID = CaseID(strconv.Itoa(len(cases) + 1))
		}
		for i, t := range tc.Tags {
			tc.Tags[i] = strings.ToLower(t)
		}
		cases = append(cases, tc)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan tests: %w", err)
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoTests, path)
	}
	return cases, nil
}

// TagLists returns the tags of every case, for hint inference.
func TagLists(cases []TestCase) [][]string {
	out := make([][]string, len(cases))
	for i, c := range cases {
		out[i] = c.Tags
	}
	return out
}

// Score returns the fraction of expected keywords found in answer,
// case-insensitively. Any fail keyword scores 0.
func Score(answer string, expected, fail []string) float64 {
	a := strings.ToLower(answer)
	for _, fk := range fail {
		if fk != "" && strings.Contains(a, strings.ToLower(fk)) {
			return 0
		}
	}
	hits := 0
	for _, k := range expected {
		if strings.Contains(a, strings.ToLower(k)) {
			hits++
		}
	}
	return float64(hits) / float64(max(1, len(expected)))
}

// Sample draws n cases uniformly without replacement. n <= 0 or n >= len
// returns cases unchanged.
func Sample(cases []TestCase, n int, rng *rand.Rand) []TestCase {
	if n <= 0 || n >= len(cases) {
		return cases
	}
	idx := rng.Perm(len(cases))[:n]
	out := make([]TestCase, n)
	for i, j := range idx {
		out[i] = cases[j]
	}
	return out
}

// NewRand returns the sampling source. seed 0 seeds from the clock.
func NewRand(seed int64, clock func() int64) *rand.Rand {
	if seed == 0 {
		seed = clock()
	}
	return rand.New(rand.NewSource(seed))
}
