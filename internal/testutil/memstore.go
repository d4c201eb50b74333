// Package testutil holds in-memory fakes for the store and rail interfaces.
// Tests exercise the real engine and workflow code against these; only the
// postgres and redis adapters are swapped out.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/models"
	repo "github.com/pesabridge/escrow-backend/internal/repository"
)

// MemStore implements repository.Store with map-backed tables. WithTx holds
// one global mutex for the whole transaction, which serializes concurrent
// transactions the way row locks do, and rolls back by snapshot on error.
type MemStore struct {
	mu sync.Mutex

	Escrows     map[string]models.Escrow
	Categories  map[string]models.Category
	Daily       map[string]models.DailySpend
	Payments    map[string]models.PaymentRequest
	Intents     map[string]models.FundingIntent
	Onramps     map[string]models.OnrampTransaction
	Offramps    map[string]models.OfframpTransaction
	Settlements []models.Settlement
	Audits      []models.AuditLog
}

func NewMemStore() *MemStore {
	return &MemStore{
		Escrows:    map[string]models.Escrow{},
		Categories: map[string]models.Category{},
		Daily:      map[string]models.DailySpend{},
		Payments:   map[string]models.PaymentRequest{},
		Intents:    map[string]models.FundingIntent{},
		Onramps:    map[string]models.OnrampTransaction{},
		Offramps:   map[string]models.OfframpTransaction{},
	}
}

func dailyKey(recipientID, day string) string { return recipientID + "|" + day }

type snapshot struct {
	escrows     map[string]models.Escrow
	categories  map[string]models.Category
	daily       map[string]models.DailySpend
	payments    map[string]models.PaymentRequest
	intents     map[string]models.FundingIntent
	onramps     map[string]models.OnrampTransaction
	offramps    map[string]models.OfframpTransaction
	settlements []models.Settlement
	audits      []models.AuditLog
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *MemStore) take() snapshot {
	return snapshot{
		escrows:     cloneMap(s.Escrows),
		categories:  cloneMap(s.Categories),
		daily:       cloneMap(s.Daily),
		payments:    cloneMap(s.Payments),
		intents:     cloneMap(s.Intents),
		onramps:     cloneMap(s.Onramps),
		offramps:    cloneMap(s.Offramps),
		settlements: append([]models.Settlement(nil), s.Settlements...),
		audits:      append([]models.AuditLog(nil), s.Audits...),
	}
}

func (s *MemStore) restore(snap snapshot) {
	s.Escrows, s.Categories, s.Daily = snap.escrows, snap.categories, snap.daily
	s.Payments, s.Intents, s.Onramps, s.Offramps = snap.payments, snap.intents, snap.onramps, snap.offramps
	s.Settlements, s.Audits = snap.settlements, snap.audits
}

func (s *MemStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx repo.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.take()
	if err := fn(ctx, &memTx{s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// ---------------- Store reads ----------------

func (s *MemStore) GetEscrow(ctx context.Context, id string) (models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.Escrows[id]
	if !ok {
		return e, apperr.ErrNotFound
	}
	return e, nil
}

func (s *MemStore) GetCategory(ctx context.Context, id string) (models.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Categories[id]
	if !ok {
		return c, apperr.ErrNotFound
	}
	return c, nil
}

func (s *MemStore) ListCategories(ctx context.Context, escrowID string) ([]models.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Category
	for _, c := range s.Categories {
		if c.EscrowID == escrowID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemStore) GetPaymentRequest(ctx context.Context, id string) (models.PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Payments[id]
	if !ok {
		return p, apperr.ErrNotFound
	}
	return p, nil
}

func (s *MemStore) ListPaymentRequests(ctx context.Context, escrowID string) ([]models.PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentRequest
	for _, p := range s.Payments {
		if p.EscrowID == escrowID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemStore) GetFundingIntent(ctx context.Context, id string) (models.FundingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fi, ok := s.Intents[id]
	if !ok {
		return fi, apperr.ErrNotFound
	}
	return fi, nil
}

func (s *MemStore) GetDailySpend(ctx context.Context, recipientID, day string) (models.DailySpend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Daily[dailyKey(recipientID, day)]
	if !ok {
		return d, apperr.ErrNotFound
	}
	return d, nil
}

func (s *MemStore) GetOfframpByPayment(ctx context.Context, paymentRequestID string) (models.OfframpTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.Offramps {
		if o.PaymentRequestID == paymentRequestID {
			return o, nil
		}
	}
	return models.OfframpTransaction{}, apperr.ErrNotFound
}

func (s *MemStore) InsertFundingIntent(ctx context.Context, fi models.FundingIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fi.CreatedAt.IsZero() {
		fi.CreatedAt = time.Now()
	}
	s.Intents[fi.ID] = fi
	return nil
}

func (s *MemStore) ListExpiredActiveEscrows(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, e := range s.Escrows {
		if e.Status == models.EscrowActive && !e.ExpiresAt.After(now) {
			ids = append(ids, e.ID)
			if len(ids) == limit {
				break
			}
		}
	}
	return ids, nil
}

// SettlementList copies the settlement log for tests that poll while
// background jobs run.
func (s *MemStore) SettlementList() []models.Settlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Settlement(nil), s.Settlements...)
}

func (s *MemStore) IntegrityViolations(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	catSums := map[string]int64{}
	for _, c := range s.Categories {
		catSums[c.EscrowID] += c.AllocatedMinor
		if c.AllocatedMinor != c.SpentMinor+c.RemainingMinor {
			out = append(out, fmt.Sprintf("category %s: allocated != spent + remaining", c.ID))
		}
	}
	for _, e := range s.Escrows {
		if e.Status.Terminal() {
			if e.RemainingMinor != 0 {
				out = append(out, fmt.Sprintf("escrow %s: terminal with nonzero remaining", e.ID))
			}
		} else if e.TotalMinor != e.RemainingMinor+e.SpentMinor {
			out = append(out, fmt.Sprintf("escrow %s: total != remaining + spent", e.ID))
		}
		if sum, ok := catSums[e.ID]; ok && sum != e.TotalMinor {
			out = append(out, fmt.Sprintf("escrow %s: total != sum(category.allocated)", e.ID))
		}
	}
	for k, d := range s.Daily {
		if d.LimitMinor != d.SpentMinor+d.RemainingMinor {
			out = append(out, fmt.Sprintf("daily_spend %s: limit != spent + remaining", k))
		}
	}
	return out, nil
}

func (s *MemStore) Reconciliation(ctx context.Context, pendingBefore time.Time) (models.ReconciliationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rep models.ReconciliationReport
	for _, e := range s.Escrows {
		if e.ChainStatus == models.ChainFailed {
			rep.FailedActivations = append(rep.FailedActivations, e)
		}
	}
	for _, p := range s.Payments {
		if p.ChainStatus == models.ChainFailed {
			rep.FailedPayments = append(rep.FailedPayments, p)
		}
	}
	for _, o := range s.Offramps {
		if o.Status == models.FundingFailed {
			rep.FailedOfframps = append(rep.FailedOfframps, o)
		}
	}
	for _, fi := range s.Intents {
		if fi.Status == models.FundingPending && fi.CreatedAt.Before(pendingBefore) {
			rep.StuckIntents = append(rep.StuckIntents, fi)
		}
	}
	return rep, nil
}
