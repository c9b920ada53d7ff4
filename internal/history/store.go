// Package history keeps a SQL ledger of control-loop cycles and what each
// stage produced. The flat-file records stay authoritative; the ledger only
// answers "what happened recently" for the status command.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"sia/internal/logging"
)

// ErrUnknownCycle is returned when a cycle id was never begun.
var ErrUnknownCycle = errors.New("unknown cycle")

// stampLayout is fixed-width so stored timestamps sort as text.
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the history database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
	now    func() time.Time
}

// Cycle is one run of the stage sequence, or one manual stage.
type Cycle struct {
	ID         string
	Trigger    string // loop, manual, stage:<name>
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	OK         bool
	Stages     []Stage
}

// Stage is the outcome of one stage inside a cycle.
type Stage struct {
	Name    string
	OK      bool
	Seconds float64
	Error   string
}

// Evaluation summarises one scored prompt.
type Evaluation struct {
	Prompt   string
	AvgScore float64
	Cases    int
	Record   string // eval_*.csv path
}

// Promotion mirrors a promotion decision.
type Promotion struct {
	State     string
	Reason    string
	Candidate string
	Score     float64
	Active    float64
}

// SelfUpdate mirrors a self-update outcome.
type SelfUpdate struct {
	State   string
	Gain    float64
	Applied []string
	Backup  string
}

// Open creates or opens the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps WAL contention out of the picture
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.History("history opened at %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		trigger TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		ok INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);

	CREATE TABLE IF NOT EXISTS stages (
		cycle_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		name TEXT NOT NULL,
		ok INTEGER NOT NULL,
		seconds REAL NOT NULL,
		error TEXT,
		PRIMARY KEY (cycle_id, seq),
		FOREIGN KEY (cycle_id) REFERENCES cycles(id)
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		at TEXT NOT NULL,
		prompt TEXT NOT NULL,
		avg_score REAL NOT NULL,
		cases INTEGER NOT NULL,
		record TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_cycle ON evaluations(cycle_id);

	CREATE TABLE IF NOT EXISTS promotions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		at TEXT NOT NULL,
		state TEXT NOT NULL,
		reason TEXT,
		candidate TEXT,
		score REAL,
		active_score REAL
	);

	CREATE TABLE IF NOT EXISTS self_updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		at TEXT NOT NULL,
		state TEXT NOT NULL,
		gain REAL,
		applied TEXT,
		backup TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(stampLayout)
}

// BeginCycle inserts a running cycle and returns its id.
func (s *Store) BeginCycle(ctx context.Context, trigger string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles (id, trigger, started_at) VALUES (?, ?, ?)`,
		id, trigger, s.stamp())
	if err != nil {
		return "", fmt.Errorf("failed to begin cycle: %w", err)
	}
	return id, nil
}

// FinishCycle closes a cycle.
func (s *Store) FinishCycle(ctx context.Context, id string, ok bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE cycles SET finished_at = ?, ok = ? WHERE id = ?`,
		s.stamp(), boolInt(ok), id)
	if err != nil {
		return fmt.Errorf("failed to finish cycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownCycle, id)
	}
	return nil
}

// RecordStage appends a stage outcome to a cycle.
func (s *Store) RecordStage(ctx context.Context, cycleID string, st Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stages (cycle_id, seq, name, ok, seconds, error)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM stages WHERE cycle_id = ?), ?, ?, ?, ?)`,
		cycleID, cycleID, st.Name, boolInt(st.OK), st.Seconds, nullString(st.Error))
	if err != nil {
		return fmt.Errorf("failed to record stage %s: %w", st.Name, err)
	}
	return nil
}

// RecordEvaluation stores an evaluation summary.
func (s *Store) RecordEvaluation(ctx context.Context, cycleID string, e Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluations (cycle_id, at, prompt, avg_score, cases, record)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cycleID, s.stamp(), e.Prompt, e.AvgScore, e.Cases, nullString(e.Record))
	if err != nil {
		return fmt.Errorf("failed to record evaluation: %w", err)
	}
	return nil
}

// RecordPromotion stores a promotion decision.
func (s *Store) RecordPromotion(ctx context.Context, cycleID string, p Promotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotions (cycle_id, at, state, reason, candidate, score, active_score)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cycleID, s.stamp(), p.State, nullString(p.Reason), nullString(p.Candidate), p.Score, p.Active)
	if err != nil {
		return fmt.Errorf("failed to record promotion: %w", err)
	}
	return nil
}

// RecordSelfUpdate stores a self-update outcome.
func (s *Store) RecordSelfUpdate(ctx context.Context, cycleID string, u SelfUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO self_updates (cycle_id, at, state, gain, applied, backup)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cycleID, s.stamp(), u.State, u.Gain, nullString(strings.Join(u.Applied, ",")), nullString(u.Backup))
	if err != nil {
		return fmt.Errorf("failed to record self-update: %w", err)
	}
	return nil
}

// RecentCycles returns the last n cycles, newest first, with their stages.
func (s *Store) RecentCycles(ctx context.Context, n int) ([]Cycle, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger, started_at, finished_at, ok
		FROM cycles ORDER BY started_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var (
			c        Cycle
			started  string
			finished sql.NullString
			ok       int
		)
		if err := rows.Scan(&c.ID, &c.Trigger, &started, &finished, &ok); err != nil {
			return nil, err
		}
		c.StartedAt = parseStamp(started)
		if finished.Valid {
			c.FinishedAt = parseStamp(finished.String)
		}
		c.OK = ok != 0
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range cycles {
		stages, err := s.stages(ctx, cycles[i].ID)
		if err != nil {
			return nil, err
		}
		cycles[i].Stages = stages
	}
	return cycles, nil
}

func (s *Store) stages(ctx context.Context, cycleID string) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, ok, seconds, error FROM stages WHERE cycle_id = ? ORDER BY seq`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()

	var out []Stage
	for rows.Next() {
		var (
			st  Stage
			ok  int
			msg sql.NullString
		)
		if err := rows.Scan(&st.Name, &ok, &st.Seconds, &msg); err != nil {
			return nil, err
		}
		st.OK = ok != 0
		st.Error = msg.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// LastPromotion returns the newest recorded promotion decision, if any.
func (s *Store) LastPromotion(ctx context.Context) (Promotion, bool, error) {
	var (
		p                 Promotion
		reason, candidate sql.NullString
		score, active     sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, reason, candidate, score, active_score
		FROM promotions ORDER BY id DESC LIMIT 1`).Scan(&p.State, &reason, &candidate, &score, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return Promotion{}, false, nil
	}
	if err != nil {
		return Promotion{}, false, fmt.Errorf("failed to query promotions: %w", err)
	}
	p.Reason, p.Candidate = reason.String, candidate.String
	p.Score, p.Active = score.Float64, active.Float64
	return p, true, nil
}

// ScoreTrend returns the last n average scores of prompt, oldest first.
func (s *Store) ScoreTrend(ctx context.Context, prompt string, n int) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT avg_score FROM (
			SELECT id, avg_score FROM evaluations WHERE prompt = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, prompt, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(stampLayout, s)
	if err != nil {
		logging.HistoryWarn("bad timestamp %q: %v", s, err)
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
