// Package postgres persists finished-call records.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"owly-callkit/internal/domain"
	apperrors "owly-callkit/pkg/errors"
)

// CallRecordRepository handles call record storage.
//
// Schema:
//
//	CREATE TABLE call_records (
//	    call_id         TEXT PRIMARY KEY,
//	    conversation_id UUID NOT NULL,
//	    call_type       TEXT NOT NULL,
//	    call_result     TEXT NOT NULL,
//	    duration        INT NOT NULL DEFAULT 0,
//	    sender_id       UUID NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX call_records_conversation_idx ON call_records (conversation_id, created_at DESC);
type CallRecordRepository struct {
	pool *pgxpool.Pool
}

// NewCallRecordRepository creates a new call record repository.
func NewCallRecordRepository(pool *pgxpool.Pool) *CallRecordRepository {
	return &CallRecordRepository{pool: pool}
}

// Save upserts a call record. The call_id key makes retried reports
// idempotent: the last write for a call wins.
func (r *CallRecordRepository) Save(ctx context.Context, record *domain.CallRecord) error {
	query := `
		INSERT INTO call_records (
			call_id, conversation_id, call_type, call_result, duration, sender_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO UPDATE
		SET call_result = EXCLUDED.call_result,
		    duration    = EXCLUDED.duration
	`

	_, err := r.pool.Exec(ctx, query,
		record.CallID,
		record.ConversationID,
		record.CallType,
		record.CallResult,
		record.Duration,
		record.SenderID,
		record.CreatedAt,
	)
	if err != nil {
		return apperrors.DatabaseError(fmt.Errorf("failed to save call record: %w", err))
	}

	return nil
}

// GetByCallID retrieves one call record.
func (r *CallRecordRepository) GetByCallID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	query := `
		SELECT call_id, conversation_id, call_type, call_result, duration, sender_id, created_at
		FROM call_records
		WHERE call_id = $1
	`

	record := &domain.CallRecord{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&record.CallID,
		&record.ConversationID,
		&record.CallType,
		&record.CallResult,
		&record.Duration,
		&record.SenderID,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to get call record: %w", err))
	}

	return record, nil
}

// History returns the newest call records in a conversation.
func (r *CallRecordRepository) History(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error) {
	query := `
		SELECT call_id, conversation_id, call_type, call_result, duration, sender_id, created_at
		FROM call_records
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, apperrors.DatabaseError(fmt.Errorf("failed to query call history: %w", err))
	}
	defer rows.Close()

	var records []*domain.CallRecord
	for rows.Next() {
		record := &domain.CallRecord{}
		if err := rows.Scan(
			&record.CallID,
			&record.ConversationID,
			&record.CallType,
			&record.CallResult,
			&record.Duration,
			&record.SenderID,
			&record.CreatedAt,
		); err != nil {
			return nil, apperrors.DatabaseError(fmt.Errorf("failed to scan call record: %w", err))
		}
		records = append(records, record)
	}

	return records, rows.Err()
}
