package quotastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seriusokhatsky/image-optimization/internal/entities"
	"github.com/seriusokhatsky/image-optimization/internal/quota"
)

// Store is the durable quota ledger backing. All mutation happens in
// single conditional statements so concurrent submissions for one token
// never read-modify-write.
type Store struct {
	dbpool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{dbpool: pool}
}

func (s *Store) Get(ctx context.Context, token string) (entities.QuotaRecord, error) {
	query := `
		SELECT id, token, used_kb, current_quota_kb, last_used_at, last_quota_check
		FROM license_quotas
		WHERE token = $1
	`

	var rec entities.QuotaRecord
	err := s.dbpool.QueryRow(ctx, query, token).Scan(
		&rec.ID,
		&rec.Token,
		&rec.UsedKB,
		&rec.QuotaKB,
		&rec.LastUsedAt,
		&rec.LastCheckedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entities.QuotaRecord{}, quota.ErrNotFound
		}
		return entities.QuotaRecord{}, err
	}

	return rec, nil
}

func (s *Store) Create(ctx context.Context, token string, quotaKB int64) (entities.QuotaRecord, error) {
	query := `
		INSERT INTO license_quotas (token, used_kb, current_quota_kb, last_quota_check)
		VALUES ($1, 0, $2, now())
		ON CONFLICT (token) DO NOTHING
	`

	if _, err := s.dbpool.Exec(ctx, query, token, quotaKB); err != nil {
		return entities.QuotaRecord{}, fmt.Errorf("create quota record: %w", err)
	}

	// Concurrent first touches race on the insert; whoever lost still
	// reads the winner's row.
	return s.Get(ctx, token)
}

// ConsumeIfAvailable books sizeKB in one conditional increment. Zero
// rows affected means the capacity check failed under whatever
// concurrency was in flight.
func (s *Store) ConsumeIfAvailable(ctx context.Context, token string, sizeKB int64) error {
	query := `
		UPDATE license_quotas
		SET used_kb = used_kb + $1, last_used_at = now()
		WHERE token = $2 AND current_quota_kb - used_kb >= $1
	`

	tag, err := s.dbpool.Exec(ctx, query, sizeKB, token)
	if err != nil {
		return fmt.Errorf("consume quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, token); getErr != nil {
			return getErr
		}
		return quota.ErrQuotaExceeded
	}

	return nil
}

func (s *Store) SetQuota(ctx context.Context, token string, quotaKB int64) error {
	query := `
		UPDATE license_quotas
		SET current_quota_kb = $1, last_quota_check = now()
		WHERE token = $2
	`

	tag, err := s.dbpool.Exec(ctx, query, quotaKB, token)
	if err != nil {
		return fmt.Errorf("set quota: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return quota.ErrNotFound
	}

	return nil
}

func (s *Store) ResetUsage(ctx context.Context, token string) error {
	tag, err := s.dbpool.Exec(ctx, `UPDATE license_quotas SET used_kb = 0 WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return quota.ErrNotFound
	}

	return nil
}
