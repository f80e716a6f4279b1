package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/afrid0126/Moneymuling/internal/runner"
	"github.com/afrid0126/Moneymuling/pkg/models"
)

// schemaSQL is compiled into the binary so schema init works from any
// working directory.
//
//go:embed schema.sql
var schemaSQL string

// ErrReportNotFound is returned when no persisted run matches.
var ErrReportNotFound = errors.New("report not found")

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	logger.Info("connected to PostgreSQL report store")
	return &PostgresStore{pool: pool, logger: logger.Named("postgres")}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.logger.Info("report schema initialized")
	return nil
}

// Ping checks connectivity for the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveReport persists a completed run with its rings and scored accounts in
// one transaction. Saving the same run twice replaces the earlier rows.
func (s *PostgresStore) SaveReport(ctx context.Context, rep runner.Report) error {
	// The stored report omits the graph view; it can be rebuilt from the input
	stored := *rep.Result
	stored.Graph = nil
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sum := rep.Result.Summary
	insertRunSQL := `
		INSERT INTO analysis_runs
			(run_id, session_id, fingerprint, started_at, finished_at, total_accounts,
			 suspicious_accounts, fraud_rings, transactions_processed, was_sampled,
			 original_count, processing_seconds, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			suspicious_accounts = EXCLUDED.suspicious_accounts,
			fraud_rings = EXCLUDED.fraud_rings,
			report = EXCLUDED.report;
	`
	_, err = tx.Exec(ctx, insertRunSQL,
		rep.RunID, rep.SessionID, nullable(rep.Fingerprint), rep.StartedAt, rep.FinishedAt,
		sum.TotalAccountsAnalyzed, sum.SuspiciousAccountsFlagged, sum.FraudRingsDetected,
		sum.TotalTransactionsProcessed, sum.WasSampled, sum.OriginalTransactionCount,
		sum.ProcessingTimeSeconds, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis run: %w", err)
	}

	// Child rows are replaced wholesale on re-save
	if _, err := tx.Exec(ctx, `DELETE FROM fraud_rings WHERE run_id = $1`, rep.RunID); err != nil {
		return fmt.Errorf("failed to clear fraud rings: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM suspicious_accounts WHERE run_id = $1`, rep.RunID); err != nil {
		return fmt.Errorf("failed to clear suspicious accounts: %w", err)
	}

	batch := &pgx.Batch{}
	for _, ring := range rep.Result.FraudRings {
		batch.Queue(`
			INSERT INTO fraud_rings (run_id, ring_id, pattern_type, risk_score, member_accounts)
			VALUES ($1, $2, $3, $4, $5)`,
			rep.RunID, ring.RingID, ring.PatternType, ring.RiskScore, ring.MemberAccounts)
	}
	for _, acc := range rep.Result.SuspiciousAccounts {
		batch.Queue(`
			INSERT INTO suspicious_accounts
				(run_id, account_id, suspicion_score, detected_patterns, ring_id, ring_ids)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rep.RunID, acc.AccountID, acc.SuspicionScore, acc.DetectedPatterns, acc.RingID, acc.RingIDs)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert report rows: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Debug("report persisted",
		zap.String("run_id", rep.RunID),
		zap.Int("rings", len(rep.Result.FraudRings)),
		zap.Int("accounts", len(rep.Result.SuspiciousAccounts)),
	)
	return nil
}

// Hook adapts SaveReport to a runner completion hook.
func (s *PostgresStore) Hook() runner.Hook {
	return runner.Hook{Name: "postgres", Fn: s.SaveReport}
}

// ReportInfo is one row of the persisted run listing
type ReportInfo struct {
	RunID                 string    `json:"runId"`
	SessionID             string    `json:"sessionId"`
	FinishedAt            time.Time `json:"finishedAt"`
	TotalAccounts         int       `json:"totalAccounts"`
	SuspiciousAccounts    int       `json:"suspiciousAccounts"`
	FraudRings            int       `json:"fraudRings"`
	TransactionsProcessed int       `json:"transactionsProcessed"`
	WasSampled            bool      `json:"wasSampled"`
	ProcessingSeconds     float64   `json:"processingSeconds"`
}

// ListReports pages through persisted runs, newest first.
func (s *PostgresStore) ListReports(ctx context.Context, page, limit int) ([]ReportInfo, int, error) {
	_, limit, offset := NormalizePage(page, limit)

	var totalCount int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM analysis_runs`).Scan(&totalCount); err != nil {
		return nil, 0, err
	}

	dataSQL := `
		SELECT run_id::text, session_id, finished_at, total_accounts, suspicious_accounts,
		       fraud_rings, transactions_processed, was_sampled, processing_seconds
		FROM analysis_runs
		ORDER BY finished_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := s.pool.Query(ctx, dataSQL, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	reports := make([]ReportInfo, 0, limit)
	for rows.Next() {
		var r ReportInfo
		if err := rows.Scan(&r.RunID, &r.SessionID, &r.FinishedAt, &r.TotalAccounts,
			&r.SuspiciousAccounts, &r.FraudRings, &r.TransactionsProcessed,
			&r.WasSampled, &r.ProcessingSeconds); err != nil {
			return nil, 0, err
		}
		reports = append(reports, r)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	return reports, totalCount, nil
}

// GetReport loads a persisted report by run id.
func (s *PostgresStore) GetReport(ctx context.Context, runID string) (*models.AnalysisResult, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, ErrReportNotFound
	}

	var payload []byte
	err = s.pool.QueryRow(ctx, `SELECT report FROM analysis_runs WHERE run_id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}

	var result models.AnalysisResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode stored report %s: %w", runID, err)
	}
	return &result, nil
}

// AccountHistory returns every persisted appearance of an account, newest
// run first.
func (s *PostgresStore) AccountHistory(ctx context.Context, accountID string, limit int) ([]AccountAppearance, error) {
	_, limit, _ = NormalizePage(1, limit)
	sql := `
		SELECT a.run_id::text, r.finished_at, a.suspicion_score, a.detected_patterns, a.ring_ids
		FROM suspicious_accounts a
		JOIN analysis_runs r ON r.run_id = a.run_id
		WHERE a.account_id = $1
		ORDER BY r.finished_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, sql, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AccountAppearance, 0)
	for rows.Next() {
		var a AccountAppearance
		if err := rows.Scan(&a.RunID, &a.FinishedAt, &a.SuspicionScore, &a.DetectedPatterns, &a.RingIDs); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AccountAppearance is one flagged occurrence of an account in a stored run
type AccountAppearance struct {
	RunID            string    `json:"runId"`
	FinishedAt       time.Time `json:"finishedAt"`
	SuspicionScore   float64   `json:"suspicionScore"`
	DetectedPatterns []string  `json:"detectedPatterns"`
	RingIDs          []string  `json:"ringIds"`
}

// NormalizePage clamps paging input to 1-based pages of at most 500 rows.
func NormalizePage(page, limit int) (int, int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	return page, limit, (page - 1) * limit
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
