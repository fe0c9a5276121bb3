package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// PostgresSink persists usage records to the usage_records table.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// OpenPostgres dials the database and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *PostgresSink) WriteBatch(ctx context.Context, records []domain.UsageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO usage_records (request_id, user_id, model_used, provider, tokens_used, cost_usd, latency_ms, success, cached, task_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			rec.RequestID,
			rec.UserID,
			rec.ModelUsed,
			rec.Provider,
			rec.TokensUsed,
			rec.CostUSD,
			rec.LatencyMs,
			rec.Success,
			rec.Cached,
			rec.TaskType,
			rec.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert usage record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Query returns records at or after since, oldest first. An empty userID
// matches every user.
func (s *PostgresSink) Query(ctx context.Context, since time.Time, userID string) ([]domain.UsageRecord, error) {
	query := `
		SELECT request_id, user_id, model_used, provider, tokens_used, cost_usd, latency_ms, success, cached, task_type, created_at
		FROM usage_records
		WHERE created_at >= $1 AND ($2 = '' OR user_id = $2)
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, since, userID)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var rec domain.UsageRecord
		err := rows.Scan(
			&rec.RequestID,
			&rec.UserID,
			&rec.ModelUsed,
			&rec.Provider,
			&rec.TokensUsed,
			&rec.CostUSD,
			&rec.LatencyMs,
			&rec.Success,
			&rec.Cached,
			&rec.TaskType,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// TotalCost sums the cost of all records at or after since.
func (s *PostgresSink) TotalCost(ctx context.Context, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE created_at >= $1
	`

	var total float64
	if err := s.db.QueryRowContext(ctx, query, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}
	return total, nil
}
