package rails

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SandboxMobileMoney is the dev-environment rail: every initiated transaction
// immediately reports SUCCESS from the status API, and no webhooks fire. It
// exists so the service runs end to end without provider credentials.
type SandboxMobileMoney struct {
	mu   sync.Mutex
	rate float64
	txns map[string]TxnResult
}

func NewSandboxMobileMoney(rate float64) *SandboxMobileMoney {
	return &SandboxMobileMoney{rate: rate, txns: map[string]TxnResult{}}
}

func (s *SandboxMobileMoney) QuoteExchangeRate(ctx context.Context) (float64, error) {
	return s.rate, nil
}

func (s *SandboxMobileMoney) InitiateOnRamp(ctx context.Context, phone string, amountMinor int64) (string, error) {
	return s.record("SBX-ON-", amountMinor), nil
}

func (s *SandboxMobileMoney) Disburse(ctx context.Context, phone string, amountMinor int64, onchainRef string) (string, error) {
	return s.record("SBX-OFF-", amountMinor), nil
}

func (s *SandboxMobileMoney) record(prefix string, amountMinor int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := prefix + uuid.NewString()
	s.txns[code] = TxnResult{ExternalCode: code, Status: TxnSuccess, AmountMinor: amountMinor}
	return code
}

func (s *SandboxMobileMoney) TransactionStatus(ctx context.Context, externalCode string) (TxnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.txns[externalCode]
	if !ok {
		return TxnResult{}, fmt.Errorf("unknown transaction %s", externalCode)
	}
	return r, nil
}

// SandboxChain keeps escrow state in memory and confirms instantly.
type SandboxChain struct {
	mu      sync.Mutex
	escrows map[string]ChainEscrowState
	used    map[string]bool
}

func NewSandboxChain() *SandboxChain {
	return &SandboxChain{escrows: map[string]ChainEscrowState{}, used: map[string]bool{}}
}

func (c *SandboxChain) TransferStablecoin(ctx context.Context, toAddress string, amountMinor int64) (string, error) {
	return "0x" + uuid.NewString(), nil
}

func (c *SandboxChain) CreateEscrow(ctx context.Context, escrowID string, amountMinor int64) (CreateEscrowResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := "sbx-" + escrowID
	c.escrows[id] = ChainEscrowState{RemainingMinor: amountMinor, Active: true}
	return CreateEscrowResult{ChainEscrowID: id, TxHash: "0x" + uuid.NewString()}, nil
}

func (c *SandboxChain) ReleasePayment(ctx context.Context, chainEscrowID, paymentID string, amountMinor int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used[paymentID] {
		return "", fmt.Errorf("payment id %s already used", paymentID)
	}
	st, ok := c.escrows[chainEscrowID]
	if !ok || !st.Active {
		return "", fmt.Errorf("escrow %s not active", chainEscrowID)
	}
	if st.RemainingMinor < amountMinor {
		return "", fmt.Errorf("escrow %s has %d remaining, need %d", chainEscrowID, st.RemainingMinor, amountMinor)
	}
	st.RemainingMinor -= amountMinor
	st.ReleasedMinor += amountMinor
	c.escrows[chainEscrowID] = st
	c.used[paymentID] = true
	return "0x" + uuid.NewString(), nil
}

func (c *SandboxChain) IsPaymentIDUsed(ctx context.Context, paymentID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used[paymentID], nil
}

func (c *SandboxChain) RefundEscrow(ctx context.Context, chainEscrowID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.escrows[chainEscrowID]
	if !ok {
		return "", fmt.Errorf("unknown escrow %s", chainEscrowID)
	}
	st.Active = false
	st.Refunded = true
	st.RemainingMinor = 0
	c.escrows[chainEscrowID] = st
	return "0x" + uuid.NewString(), nil
}

func (c *SandboxChain) GetEscrow(ctx context.Context, chainEscrowID string) (ChainEscrowState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.escrows[chainEscrowID]
	if !ok {
		return st, fmt.Errorf("unknown escrow %s", chainEscrowID)
	}
	return st, nil
}
