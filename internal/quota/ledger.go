package quota

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/seriusokhatsky/image-optimization/internal/entities"
)

var (
	// ErrNotFound means no cached record exists for the token.
	ErrNotFound = errors.New("quota record not found")
	// ErrTokenInvalid means the quota source rejected the token or
	// could not be reached on first touch.
	ErrTokenInvalid = errors.New("invalid token or quota service unavailable")
	// ErrQuotaUnavailable means the record exists but has no capacity
	// at all (refresh required).
	ErrQuotaUnavailable = errors.New("no quota available")
	// ErrQuotaExceeded means the request does not fit into the
	// remaining capacity.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Store is the durable side of the ledger. ConsumeIfAvailable must be a
// single conditional increment: it either books the units atomically or
// returns ErrQuotaExceeded, never a lost update.
type Store interface {
	Get(ctx context.Context, token string) (entities.QuotaRecord, error)
	Create(ctx context.Context, token string, quotaKB int64) (entities.QuotaRecord, error)
	ConsumeIfAvailable(ctx context.Context, token string, sizeKB int64) error
	SetQuota(ctx context.Context, token string, quotaKB int64) error
	ResetUsage(ctx context.Context, token string) error
}

// Source is the remote authority for a token's entitlement.
type Source interface {
	Fetch(ctx context.Context, token string) (Entitlement, error)
}

// Entitlement is the quota source's answer for one token.
type Entitlement struct {
	Valid            bool   `json:"valid"`
	QuotaMB          int64  `json:"quota_mb"`
	SubscriptionType string `json:"subscription_type"`
}

// Ledger gates and accounts per-caller usage. Totals are cached from
// the source at first touch and only change on an explicit refresh; the
// hot path never calls out.
type Ledger struct {
	store  Store
	source Source
	logger *zap.Logger
}

func NewLedger(store Store, source Source, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, source: source, logger: logger}
}

// ResolveOrFetch returns the cached record for the token, creating it
// from the quota source on first touch.
func (l *Ledger) ResolveOrFetch(ctx context.Context, token string) (entities.QuotaRecord, error) {
	rec, err := l.store.Get(ctx, token)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return entities.QuotaRecord{}, fmt.Errorf("get quota record: %w", err)
	}

	ent, err := l.source.Fetch(ctx, token)
	if err != nil {
		l.logger.Warn("quota source fetch failed", zap.Error(err))
		return entities.QuotaRecord{}, ErrTokenInvalid
	}
	if !ent.Valid {
		return entities.QuotaRecord{}, ErrTokenInvalid
	}

	rec, err = l.store.Create(ctx, token, ent.QuotaMB*1024)
	if err != nil {
		return entities.QuotaRecord{}, fmt.Errorf("create quota record: %w", err)
	}

	l.logger.Info("quota record created",
		zap.Int64("quota_kb", rec.QuotaKB),
		zap.String("subscription", ent.SubscriptionType),
	)
	return rec, nil
}

// Admit answers whether sizeKB fits into the record's remaining
// capacity. It does not book anything.
func (l *Ledger) Admit(rec entities.QuotaRecord, sizeKB int64) error {
	if rec.QuotaKB <= 0 {
		return ErrQuotaUnavailable
	}
	if !rec.HasQuotaAvailable(sizeKB) {
		return ErrQuotaExceeded
	}
	return nil
}

// Consume books sizeKB against the token. A concurrent consume that
// would overdraw the record fails with ErrQuotaExceeded; the caller
// must then abort the submission.
func (l *Ledger) Consume(ctx context.Context, token string, sizeKB int64) error {
	return l.store.ConsumeIfAvailable(ctx, token, sizeKB)
}

// Refresh re-fetches the entitlement and overwrites the cached total.
// Usage is untouched.
func (l *Ledger) Refresh(ctx context.Context, token string) (entities.QuotaRecord, error) {
	ent, err := l.source.Fetch(ctx, token)
	if err != nil {
		return entities.QuotaRecord{}, fmt.Errorf("refresh quota: %w", err)
	}
	if !ent.Valid {
		return entities.QuotaRecord{}, ErrTokenInvalid
	}

	if _, err := l.store.Get(ctx, token); errors.Is(err, ErrNotFound) {
		return l.store.Create(ctx, token, ent.QuotaMB*1024)
	} else if err != nil {
		return entities.QuotaRecord{}, err
	}

	if err := l.store.SetQuota(ctx, token, ent.QuotaMB*1024); err != nil {
		return entities.QuotaRecord{}, err
	}
	return l.store.Get(ctx, token)
}

// Reset zeroes the usage counter, leaving the total untouched.
func (l *Ledger) Reset(ctx context.Context, token string) (entities.QuotaRecord, error) {
	if err := l.store.ResetUsage(ctx, token); err != nil {
		return entities.QuotaRecord{}, err
	}
	return l.store.Get(ctx, token)
}

// Current returns the cached record without touching the source.
func (l *Ledger) Current(ctx context.Context, token string) (entities.QuotaRecord, error) {
	return l.store.Get(ctx, token)
}
