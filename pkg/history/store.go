// Package history persists day-scale query history records, distinct from
// the execution engine's seconds-scale in-memory retention. Records outlive
// the executions they describe and are subject to compliance-driven purge
// and SQL-text redaction schedules.
package history

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// historyColumns lists columns returned by history SELECT queries.
var historyColumns = []string{
	"execution_id", "owner", "datasource_id", "credential_profile",
	"sql_hash", "sql_text", "status", "submitted_at", "completed_at",
	"row_count", "row_limit_reached", "error_summary",
}

// Record is one persisted query history row.
type Record struct {
	ExecutionID       string     `json:"execution_id"`
	Owner             string     `json:"owner"`
	DatasourceID      string     `json:"datasource_id"`
	CredentialProfile string     `json:"credential_profile"`
	SQLHash           string     `json:"sql_hash"`
	SQLText           string     `json:"sql_text,omitempty"`
	Status            string     `json:"status"`
	SubmittedAt       time.Time  `json:"submitted_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	RowCount          int        `json:"row_count"`
	RowLimitReached   bool       `json:"row_limit_reached"`
	ErrorSummary      string     `json:"error_summary,omitempty"`
}

// Filter selects history records.
type Filter struct {
	Owner        string
	DatasourceID string
	Status       string
	Since        *time.Time
	Limit        int
}

// Store persists history records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a history store on db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// HashSQL returns the hex SHA-256 of a statement, kept after redaction.
func HashSQL(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}

// Insert persists a record, computing the SQL hash when absent.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	if rec.SQLHash == "" {
		rec.SQLHash = HashSQL(rec.SQLText)
	}

	query, args, err := psq.Insert("query_history").
		Columns(historyColumns...).
		Values(
			rec.ExecutionID, rec.Owner, rec.DatasourceID, rec.CredentialProfile,
			rec.SQLHash, rec.SQLText, rec.Status, rec.SubmittedAt, rec.CompletedAt,
			rec.RowCount, rec.RowLimitReached, rec.ErrorSummary,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building history insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting history record: %w", err)
	}
	return nil
}

// Query retrieves records matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter Filter) ([]Record, error) {
	qb := psq.Select(historyColumns...).
		From("query_history").
		OrderBy("submitted_at DESC")

	if filter.Owner != "" {
		qb = qb.Where(sq.Eq{"owner": filter.Owner})
	}
	if filter.DatasourceID != "" {
		qb = qb.Where(sq.Eq{"datasource_id": filter.DatasourceID})
	}
	if filter.Status != "" {
		qb = qb.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Since != nil {
		qb = qb.Where(sq.GtOrEq{"submitted_at": *filter.Since})
	}
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building history query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var sqlText, errorSummary sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(
			&rec.ExecutionID, &rec.Owner, &rec.DatasourceID, &rec.CredentialProfile,
			&rec.SQLHash, &sqlText, &rec.Status, &rec.SubmittedAt, &completedAt,
			&rec.RowCount, &rec.RowLimitReached, &errorSummary,
		); err != nil {
			return nil, fmt.Errorf("scanning history record: %w", err)
		}
		rec.SQLText = sqlText.String
		rec.ErrorSummary = errorSummary.String
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PurgeOlderThan deletes records submitted before the cutoff.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psq.Delete("query_history").
		Where(sq.Lt{"submitted_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building history purge: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purging history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RedactOlderThan clears stored SQL text for records submitted before the
// cutoff, preserving hash, status, timing and datasource metadata.
func (s *Store) RedactOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psq.Update("query_history").
		Set("sql_text", nil).
		Where(sq.Lt{"submitted_at": cutoff}).
		Where(sq.NotEq{"sql_text": nil}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building history redaction: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("redacting history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
