package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/models"
	"github.com/pesabridge/escrow-backend/internal/rails"
)

// FakeMobileMoney records calls and can be programmed to fail.
type FakeMobileMoney struct {
	mu sync.Mutex

	Rate     float64
	RateErr  error
	FailOn   map[string]error // method name -> error
	seq      atomic.Int64
	Statuses map[string]rails.TxnResult

	OnRampCalls   []int64
	DisburseCalls []int64
}

func NewFakeMobileMoney() *FakeMobileMoney {
	return &FakeMobileMoney{Rate: 1.0, FailOn: map[string]error{}, Statuses: map[string]rails.TxnResult{}}
}

func (f *FakeMobileMoney) QuoteExchangeRate(ctx context.Context) (float64, error) {
	if f.RateErr != nil {
		return 0, f.RateErr
	}
	return f.Rate, nil
}

func (f *FakeMobileMoney) InitiateOnRamp(ctx context.Context, phone string, amountMinor int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailOn["InitiateOnRamp"]; err != nil {
		return "", err
	}
	f.OnRampCalls = append(f.OnRampCalls, amountMinor)
	return fmt.Sprintf("ONRAMP-%d", f.seq.Add(1)), nil
}

func (f *FakeMobileMoney) Disburse(ctx context.Context, phone string, amountMinor int64, onchainRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailOn["Disburse"]; err != nil {
		return "", err
	}
	f.DisburseCalls = append(f.DisburseCalls, amountMinor)
	return fmt.Sprintf("OFFRAMP-%d", f.seq.Add(1)), nil
}

func (f *FakeMobileMoney) TransactionStatus(ctx context.Context, code string) (rails.TxnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.FailOn["TransactionStatus"]; err != nil {
		return rails.TxnResult{}, err
	}
	r, ok := f.Statuses[code]
	if !ok {
		return rails.TxnResult{ExternalCode: code, Status: rails.TxnPending}, nil
	}
	return r, nil
}

// FakeChain records on-chain calls and tracks used payment ids.
type FakeChain struct {
	mu sync.Mutex

	FailOn       map[string]error
	FailTimes    map[string]int // method -> remaining failures before success
	UsedPayments map[string]bool
	Escrows      map[string]rails.ChainEscrowState
	seq          atomic.Int64

	ReleaseCalls int
	RefundCalls  int
	CreateCalls  int
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		FailOn:       map[string]error{},
		FailTimes:    map[string]int{},
		UsedPayments: map[string]bool{},
		Escrows:      map[string]rails.ChainEscrowState{},
	}
}

func (f *FakeChain) fail(method string) error {
	if n := f.FailTimes[method]; n > 0 {
		f.FailTimes[method] = n - 1
		return fmt.Errorf("%w: transient %s failure", apperr.ErrRailUnavailable, method)
	}
	return f.FailOn[method]
}

// Counter accessors for tests that poll while jobs run.
func (f *FakeChain) CreateCount() int  { f.mu.Lock(); defer f.mu.Unlock(); return f.CreateCalls }
func (f *FakeChain) ReleaseCount() int { f.mu.Lock(); defer f.mu.Unlock(); return f.ReleaseCalls }
func (f *FakeChain) RefundCount() int  { f.mu.Lock(); defer f.mu.Unlock(); return f.RefundCalls }

func (f *FakeChain) TransferStablecoin(ctx context.Context, toAddress string, amountMinor int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("TransferStablecoin"); err != nil {
		return "", err
	}
	return fmt.Sprintf("0xtransfer%d", f.seq.Add(1)), nil
}

func (f *FakeChain) CreateEscrow(ctx context.Context, escrowID string, amountMinor int64) (rails.CreateEscrowResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CreateEscrow"); err != nil {
		return rails.CreateEscrowResult{}, err
	}
	f.CreateCalls++
	id := fmt.Sprintf("chain-%s", escrowID)
	f.Escrows[id] = rails.ChainEscrowState{RemainingMinor: amountMinor, Active: true}
	return rails.CreateEscrowResult{ChainEscrowID: id, TxHash: fmt.Sprintf("0xcreate%d", f.seq.Add(1))}, nil
}

func (f *FakeChain) ReleasePayment(ctx context.Context, chainEscrowID, paymentID string, amountMinor int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ReleasePayment"); err != nil {
		return "", err
	}
	if f.UsedPayments[paymentID] {
		return "", fmt.Errorf("payment id already used")
	}
	f.UsedPayments[paymentID] = true
	f.ReleaseCalls++
	return fmt.Sprintf("0xrelease%d", f.seq.Add(1)), nil
}

func (f *FakeChain) IsPaymentIDUsed(ctx context.Context, paymentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("IsPaymentIDUsed"); err != nil {
		return false, err
	}
	return f.UsedPayments[paymentID], nil
}

func (f *FakeChain) RefundEscrow(ctx context.Context, chainEscrowID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("RefundEscrow"); err != nil {
		return "", err
	}
	f.RefundCalls++
	st := f.Escrows[chainEscrowID]
	st.Refunded = true
	st.Active = false
	f.Escrows[chainEscrowID] = st
	return fmt.Sprintf("0xrefund%d", f.seq.Add(1)), nil
}

func (f *FakeChain) GetEscrow(ctx context.Context, chainEscrowID string) (rails.ChainEscrowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.Escrows[chainEscrowID]
	if !ok {
		return st, apperr.ErrNotFound
	}
	return st, nil
}

// MemDedup is a process-local stand-in for the Redis dedup store.
type MemDedup struct {
	mu   sync.Mutex
	keys map[string]bool
}

func NewMemDedup() *MemDedup { return &MemDedup{keys: map[string]bool{}} }

func (d *MemDedup) Acquire(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys[key] {
		return false, nil
	}
	d.keys[key] = true
	return true, nil
}

// MemUsers is a map-backed repository.Users.
type MemUsers struct {
	mu    sync.Mutex
	ByID  map[string]models.User
	seq   atomic.Int64
	index map[string]string // phone index -> id
}

func NewMemUsers() *MemUsers {
	return &MemUsers{ByID: map[string]models.User{}, index: map[string]string{}}
}

func (r *MemUsers) Create(ctx context.Context, u models.User) (models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == "" {
		u.ID = fmt.Sprintf("user-%d", r.seq.Add(1))
	}
	r.ByID[u.ID] = u
	r.index[u.PhoneIndex] = u.ID
	return u, nil
}

func (r *MemUsers) GetByID(ctx context.Context, id string) (models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.ByID[id]
	if !ok {
		return u, apperr.ErrNotFound
	}
	return u, nil
}

func (r *MemUsers) GetByPhoneIndex(ctx context.Context, phoneIndex string) (models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.index[phoneIndex]
	if !ok {
		return models.User{}, apperr.ErrNotFound
	}
	return r.ByID[id], nil
}
