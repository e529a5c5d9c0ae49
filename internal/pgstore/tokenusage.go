package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/diagramflow/core/internal/domain"
)

// batchDB is the narrow pgx surface PersistBatch needs: a single
// transaction per batch, per Design Notes §9's "no SQL handle lifetime
// escapes a repository method" rule.
type batchDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TokenUsageStore persists batches of domain.TokenUsageRecord and satisfies
// internal/tokenusage.Persister.
type TokenUsageStore struct {
	db batchDB
}

// NewTokenUsageStore builds a TokenUsageStore over db.
func NewTokenUsageStore(db batchDB) *TokenUsageStore {
	return &TokenUsageStore{db: db}
}

// PersistBatch writes records to token_usage in a single transaction using
// pgx's CopyFrom for bulk insert. It touches no other table: api_keys'
// usage_count is not changed here.
func (s *TokenUsageStore) PersistBatch(ctx context.Context, records []domain.TokenUsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("token usage store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []any{
			rec.UserID.String(),
			nil, // org_id: TokenUsageRecord doesn't carry it; left for future per-org aggregation

			rec.ModelID,
			rec.PromptTokens,
			rec.CompletionTokens,
			string(rec.RequestType),
			rec.CreatedAt,
		})
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"token_usage"},
		[]string{"user_id", "org_id", "model_id", "prompt_tokens", "completion_tokens", "request_type", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("token usage store: copy from: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("token usage store: commit: %w", err)
	}
	return nil
}
