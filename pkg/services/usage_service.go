package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/mindcanvas/mindcanvas/pkg/database"
	"github.com/mindcanvas/mindcanvas/pkg/models"
)

// UsageService persists and summarizes token accounting. It is the
// flusher's BatchWriter.
type UsageService struct {
	db *sql.DB
}

// NewUsageService creates the usage service.
func NewUsageService(client *database.Client) *UsageService {
	return &UsageService{db: client.DB()}
}

// InsertUsageBatch writes one batch in a single transaction: either the
// whole batch lands or none of it does, which keeps the at-least-once
// buffer contract honest.
func (s *UsageService) InsertUsageBatch(ctx context.Context, records []models.TokenUsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	builder := psql.
		Insert("token_usage").
		Columns("user_id", "org_id", "model", "prompt_tokens", "completion_tokens", "request_type", "created_at")
	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		builder = builder.Values(r.UserID, r.OrgID, r.Model, r.PromptTokens, r.CompletionTokens, r.RequestType, createdAt)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build usage insert: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to insert usage batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage batch: %w", err)
	}
	return nil
}

// SummarizeUser aggregates a user's consumption per model since a cutoff.
func (s *UsageService) SummarizeUser(ctx context.Context, userID int64, since time.Time) ([]models.UsageSummary, error) {
	query, args, err := psql.
		Select("model",
			"COUNT(*) AS requests",
			"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens",
			"COALESCE(SUM(completion_tokens), 0) AS completion_tokens").
		From("token_usage").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.GtOrEq{"created_at": since}).
		GroupBy("model").
		OrderBy("model").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build usage summary query: %w", err)
	}

	var out []models.UsageSummary
	if err := sqlscan.Select(ctx, s.db, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return out, nil
}

// TrimUsageBefore deletes rows older than the cutoff. Called by the
// maintenance sweep under the store lock.
func (s *UsageService) TrimUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psql.
		Delete("token_usage").
		Where(sq.Lt{"created_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build usage trim: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to trim usage rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
