package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/asirikuy/framework/internal/db"
	"github.com/asirikuy/framework/internal/metrics"
)

// Run statuses
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunStopped   = "stopped"
	RunFailed    = "failed"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("optimization run not found")

// Run is one stored optimization.
type Run struct {
	ID               uuid.UUID  `json:"id"`
	OptimizationType string     `json:"optimization_type"`
	Symbols          []string   `json:"symbols"`
	Status           string     `json:"status"`
	TotalTests       int64      `json:"total_tests"`
	BestFitness      *float64   `json:"best_fitness,omitempty"`
	Error            *string    `json:"error,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// Store persists runs and their iterations in PostgreSQL.
type Store struct {
	db db.Querier
}

// NewStore creates a store over a pgx pool.
func NewStore(q db.Querier) *Store {
	return &Store{db: q}
}

func observe(queryType string, start time.Time) {
	metrics.RecordDatabaseQuery(queryType, float64(time.Since(start).Milliseconds()))
}

// CreateRun inserts a running optimization.
func (s *Store) CreateRun(ctx context.Context, id uuid.UUID, optimizationType string, symbols []string) error {
	defer observe("insert_run", time.Now())

	_, err := s.db.Exec(ctx, `
		INSERT INTO optimization_runs (id, optimization_type, symbols, status, started_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		id, optimizationType, symbols, RunRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun closes a run with its final status. bestFitness is nil for brute force runs.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status string, totalTests int64, bestFitness *float64, runErr error) error {
	defer observe("update_run", time.Now())

	var errText *string
	if runErr != nil {
		msg := runErr.Error()
		errText = &msg
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE optimization_runs
		SET status = $2, total_tests = $3, best_fitness = $4, error = $5, finished_at = NOW()
		WHERE id = $1`,
		id, status, totalTests, bestFitness, errText,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Write stores one iteration.
func (s *Store) Write(ctx context.Context, rec Record) error {
	defer observe("insert_result", time.Now())

	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	r := rec.Result
	_, err = s.db.Exec(ctx, `
		INSERT INTO optimization_results (
			run_id, iteration, symbol, num_trades, final_balance, max_dd_depth, max_dd_length,
			pf, r2, ulcer_index, sharpe, cagr, num_shorts, num_longs, params
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.RunID, rec.Iteration, r.Symbol, r.TotalTrades, r.FinalBalance, r.MaxDDDepth, r.MaxDDLength,
		r.PF, r.R2, r.UlcerIndex, r.Sharpe, r.CAGR, r.NumShorts, r.NumLongs, params,
	)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	defer observe("select_run", time.Now())

	var run Run
	err := s.db.QueryRow(ctx, `
		SELECT id, optimization_type, symbols, status, total_tests, best_fitness, error, started_at, finished_at
		FROM optimization_runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.OptimizationType, &run.Symbols, &run.Status, &run.TotalTests,
		&run.BestFitness, &run.Error, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// Results returns a run's iterations in order, at most limit of them.
func (s *Store) Results(ctx context.Context, runID uuid.UUID, limit int) ([]Record, error) {
	defer observe("select_results", time.Now())

	rows, err := s.db.Query(ctx, `
		SELECT iteration, symbol, num_trades, final_balance, max_dd_depth, max_dd_length,
			pf, r2, ulcer_index, sharpe, cagr, num_shorts, num_longs, params
		FROM optimization_results
		WHERE run_id = $1
		ORDER BY iteration
		LIMIT $2`, runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{RunID: runID.String()}
		r := &rec.Result
		var params []byte
		if err := rows.Scan(&rec.Iteration, &r.Symbol, &r.TotalTrades, &r.FinalBalance, &r.MaxDDDepth, &r.MaxDDLength,
			&r.PF, &r.R2, &r.UlcerIndex, &r.Sharpe, &r.CAGR, &r.NumShorts, &r.NumLongs, &params); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if err := json.Unmarshal(params, &rec.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountRunsByStatus feeds the runs gauge.
func (s *Store) CountRunsByStatus(ctx context.Context) (map[string]int, error) {
	defer observe("count_runs", time.Now())

	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM optimization_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan run count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
