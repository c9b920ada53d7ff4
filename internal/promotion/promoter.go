// Package promotion gates the replacement of the active prompt by the last
// A/B winner.
package promotion

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sia/internal/evaluation"
	"sia/internal/logging"
	"sia/internal/prompts"
)

// LastPromotionFile holds the unix time of the last promotion.
const LastPromotionFile = "last_promotion.ts"

// State is the outcome of a promotion attempt.
type State string

const (
	StateIdle     State = "idle"     // no A/B winner recorded
	StatePromoted State = "promoted" // active prompt replaced
	StateRejected State = "rejected" // gate refused, nothing changed
)

// Rejection reasons.
const (
	ReasonCooldown         = "cooldown"
	ReasonInsufficientGain = "insufficient_gain"
)

// Decision describes one promotion attempt.
type Decision struct {
	State          State
	Reason         string
	Candidate      string
	CandidateScore float64
	ActiveScore    float64
	Gain           float64
}

// Options configure the promotion gate.
type Options struct {
	Cooldown time.Duration
	MinGain  float64
}

// Promoter applies the cooldown and gain gate to the last A/B winner.
type Promoter struct {
	store   *prompts.Store
	logsDir string
	opts    Options
	now     func() time.Time
}

// New creates a promoter. logsDir holds the A/B and eval records.
func New(store *prompts.Store, logsDir string, opts Options) *Promoter {
	return &Promoter{store: store, logsDir: logsDir, opts: opts, now: time.Now}
}

// WithClock replaces the promoter's clock.
func (p *Promoter) WithClock(now func() time.Time) *Promoter {
	p.now = now
	return p
}

// Promote checks the cooldown, then the gain of the last winner over the
// latest evaluation of the active prompt. Only a promotion mutates state.
func (p *Promoter) Promote() (Decision, error) {
	winner, ok, err := evaluation.ReadLastWinner(p.logsDir)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		logging.Promote("no A/B winner recorded")
		return Decision{State: StateIdle}, nil
	}
	d := Decision{Candidate: winner.Candidate, CandidateScore: winner.AvgScore}

	last, err := LastPromotion(p.logsDir)
	if err != nil {
		return d, err
	}
	now := p.now()
	if !last.IsZero() && now.Sub(last) < p.opts.Cooldown {
		d.State, d.Reason = StateRejected, ReasonCooldown
		p.reject(d)
		return d, nil
	}

	d.ActiveScore, err = evaluation.LatestScore(p.logsDir)
	if err != nil {
		return d, fmt.Errorf("failed to read active score: %w", err)
	}
	d.Gain = d.CandidateScore - d.ActiveScore
	if !evaluation.MeetsGain(d.Gain, p.opts.MinGain) {
		d.State, d.Reason = StateRejected, ReasonInsufficientGain
		p.reject(d)
		return d, nil
	}

	v, err := p.store.Read(winner.Candidate)
	if err != nil {
		return d, err
	}
	if err := p.store.SetActive(v.Content); err != nil {
		return d, err
	}
	if err := writeLastPromotion(p.logsDir, now); err != nil {
		return d, err
	}
	d.State = StatePromoted
	logging.Promote("promoted %s (score=%.3f, gain=%.3f)", d.Candidate, d.CandidateScore, d.Gain)
	logging.Audit(logging.AuditEvent{
		Type:   logging.AuditPromoted,
		Target: d.Candidate,
		Score:  d.CandidateScore,
		Fields: map[string]interface{}{"gain": d.Gain},
	})
	return d, nil
}

func (p *Promoter) reject(d Decision) {
	logging.Promote("no promotion of %s: %s (gain %.3f, min %.3f)", d.Candidate, d.Reason, d.Gain, p.opts.MinGain)
	logging.Audit(logging.AuditEvent{Type: logging.AuditPromotionReject, Target: d.Candidate, Reason: d.Reason})
}

// LastPromotion returns the time of the last promotion, or the zero time.
func LastPromotion(logsDir string) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(logsDir, LastPromotionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed %s: %w", LastPromotionFile, err)
	}
	if secs <= 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, int64(secs*1e9)), nil
}

func writeLastPromotion(logsDir string, t time.Time) error {
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	secs := float64(t.UnixNano()) / 1e9
	return os.WriteFile(filepath.Join(logsDir, LastPromotionFile), []byte(strconv.FormatFloat(secs, 'f', -1, 64)), 0644)
}
