package quota

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/seriusokhatsky/image-optimization/internal/entities"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*entities.QuotaRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*entities.QuotaRecord{}}
}

func (s *fakeStore) Get(_ context.Context, token string) (entities.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[token]
	if !ok {
		return entities.QuotaRecord{}, ErrNotFound
	}
	return *rec, nil
}

func (s *fakeStore) Create(_ context.Context, token string, quotaKB int64) (entities.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[token]; ok {
		return *rec, nil
	}
	rec := &entities.QuotaRecord{Token: token, QuotaKB: quotaKB}
	s.records[token] = rec
	return *rec, nil
}

func (s *fakeStore) ConsumeIfAvailable(_ context.Context, token string, sizeKB int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[token]
	if !ok {
		return ErrNotFound
	}
	if rec.QuotaKB-rec.UsedKB < sizeKB {
		return ErrQuotaExceeded
	}
	rec.UsedKB += sizeKB
	return nil
}

func (s *fakeStore) SetQuota(_ context.Context, token string, quotaKB int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[token]
	if !ok {
		return ErrNotFound
	}
	rec.QuotaKB = quotaKB
	return nil
}

func (s *fakeStore) ResetUsage(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[token]
	if !ok {
		return ErrNotFound
	}
	rec.UsedKB = 0
	return nil
}

type fakeSource struct {
	ent   Entitlement
	err   error
	calls int
}

func (s *fakeSource) Fetch(_ context.Context, _ string) (Entitlement, error) {
	s.calls++
	return s.ent, s.err
}

func TestResolveOrFetchCreatesOnFirstTouch(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{ent: Entitlement{Valid: true, QuotaMB: 1000, SubscriptionType: "pro"}}
	ledger := NewLedger(store, source, zaptest.NewLogger(t))

	rec, err := ledger.ResolveOrFetch(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("ResolveOrFetch: %v", err)
	}
	if rec.QuotaKB != 1024000 {
		t.Errorf("QuotaKB = %d, want 1024000", rec.QuotaKB)
	}
	if rec.UsedKB != 0 {
		t.Errorf("UsedKB = %d, want 0", rec.UsedKB)
	}

	// Second call must come from the store, not the source.
	if _, err := ledger.ResolveOrFetch(context.Background(), "tok-1"); err != nil {
		t.Fatalf("second ResolveOrFetch: %v", err)
	}
	if source.calls != 1 {
		t.Errorf("source called %d times, want 1", source.calls)
	}
}

func TestResolveOrFetchInvalidToken(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{ent: Entitlement{Valid: false}}
	ledger := NewLedger(store, source, zaptest.NewLogger(t))

	if _, err := ledger.ResolveOrFetch(context.Background(), "bad"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestResolveOrFetchSourceDown(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{err: errors.New("connection refused")}
	ledger := NewLedger(store, source, zaptest.NewLogger(t))

	if _, err := ledger.ResolveOrFetch(context.Background(), "tok"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestAdmit(t *testing.T) {
	ledger := NewLedger(newFakeStore(), &fakeSource{}, zaptest.NewLogger(t))

	tests := []struct {
		name    string
		rec     entities.QuotaRecord
		sizeKB  int64
		wantErr error
	}{
		{"fits", entities.QuotaRecord{QuotaKB: 1000, UsedKB: 400}, 600, nil},
		{"exceeds remaining", entities.QuotaRecord{QuotaKB: 800, UsedKB: 500}, 500, ErrQuotaExceeded},
		{"no capacity at all", entities.QuotaRecord{QuotaKB: 0}, 1, ErrQuotaUnavailable},
		{"exactly remaining", entities.QuotaRecord{QuotaKB: 100, UsedKB: 50}, 50, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := ledger.Admit(tc.rec, tc.sizeKB); !errors.Is(err, tc.wantErr) {
				t.Errorf("Admit() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestConsumeNeverOverdraws(t *testing.T) {
	store := newFakeStore()
	store.Create(context.Background(), "tok", 1000)
	ledger := NewLedger(store, &fakeSource{}, zaptest.NewLogger(t))

	const workers = 50
	var wg sync.WaitGroup
	var granted sync.Map
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := ledger.Consume(context.Background(), "tok", 100); err == nil {
				granted.Store(i, struct{}{})
			}
		}(i)
	}
	wg.Wait()

	var wins int64
	granted.Range(func(_, _ any) bool {
		wins++
		return true
	})
	if wins != 10 {
		t.Errorf("granted %d consumes of 100KB against 1000KB, want exactly 10", wins)
	}

	rec, _ := ledger.Current(context.Background(), "tok")
	if rec.UsedKB != wins*100 {
		t.Errorf("UsedKB = %d, want %d", rec.UsedKB, wins*100)
	}
}

func TestRefreshKeepsUsage(t *testing.T) {
	store := newFakeStore()
	store.Create(context.Background(), "tok", 1000)
	store.ConsumeIfAvailable(context.Background(), "tok", 300)

	source := &fakeSource{ent: Entitlement{Valid: true, QuotaMB: 5}}
	ledger := NewLedger(store, source, zaptest.NewLogger(t))

	rec, err := ledger.Refresh(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rec.QuotaKB != 5120 {
		t.Errorf("QuotaKB = %d, want 5120", rec.QuotaKB)
	}
	if rec.UsedKB != 300 {
		t.Errorf("UsedKB = %d, want 300 (refresh must not touch usage)", rec.UsedKB)
	}
}

func TestRefreshCreatesMissingRecord(t *testing.T) {
	store := newFakeStore()
	source := &fakeSource{ent: Entitlement{Valid: true, QuotaMB: 2}}
	ledger := NewLedger(store, source, zaptest.NewLogger(t))

	rec, err := ledger.Refresh(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rec.QuotaKB != 2048 {
		t.Errorf("QuotaKB = %d, want 2048", rec.QuotaKB)
	}
}

func TestResetKeepsTotal(t *testing.T) {
	store := newFakeStore()
	store.Create(context.Background(), "tok", 1000)
	store.ConsumeIfAvailable(context.Background(), "tok", 999)
	ledger := NewLedger(store, &fakeSource{}, zaptest.NewLogger(t))

	rec, err := ledger.Reset(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if rec.UsedKB != 0 {
		t.Errorf("UsedKB = %d, want 0", rec.UsedKB)
	}
	if rec.QuotaKB != 1000 {
		t.Errorf("QuotaKB = %d, want 1000", rec.QuotaKB)
	}
}
