package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ipamcore/internal/domain/ipam"
)

// IdempotencyStore is a Postgres-backed ipam.IdempotencyStore.
type IdempotencyStore struct {
	db *sql.DB
}

func NewIdempotencyStore(db *sql.DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

var _ ipam.IdempotencyStore = (*IdempotencyStore)(nil)

func (s *IdempotencyStore) Get(ctx context.Context, requestID string) (*ipam.IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, endpoint, method, request_hash, response_body, status_code, created_at
		FROM idempotency_records WHERE request_id = $1`, requestID)

	var rec ipam.IdempotencyRecord
	if err := row.Scan(&rec.RequestID, &rec.Endpoint, &rec.Method, &rec.RequestHash, &rec.ResponseBody, &rec.StatusCode, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ipam.ErrIdempotencyRecordNotFound
		}
		return nil, fmt.Errorf("postgres: scan idempotency record: %w", err)
	}
	return &rec, nil
}

func (s *IdempotencyStore) Create(ctx context.Context, rec *ipam.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (request_id, endpoint, method, request_hash, response_body, status_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.Endpoint, rec.Method, rec.RequestHash, rec.ResponseBody, rec.StatusCode, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert idempotency record: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) Stats(ctx context.Context) (ipam.Stats, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_records`).Scan(&count); err != nil {
		return ipam.Stats{}, fmt.Errorf("postgres: count idempotency records: %w", err)
	}
	return ipam.Stats{TotalRecords: count}, nil
}
