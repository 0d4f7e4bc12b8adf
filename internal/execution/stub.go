package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StubService is an in-process execution service for tests and local runs.
// Every instruction succeeds unless its action is listed in FailActions or
// FailNext is armed. Balances are a mutable map keyed by wallet role.
type StubService struct {
	mu          sync.Mutex
	balances    map[string]decimal.Decimal
	submissions []Instruction
	failActions map[string]bool
	failNext    int
}

// NewStubService creates a stub with the given starting balances.
func NewStubService(balances map[string]decimal.Decimal) *StubService {
	if balances == nil {
		balances = make(map[string]decimal.Decimal)
	}
	return &StubService{
		balances:    balances,
		failActions: make(map[string]bool),
	}
}

// FailAction makes all instructions with the given action fail.
func (s *StubService) FailAction(action string, fail bool) {
	s.mu.Lock()
	s.failActions[action] = fail
	s.mu.Unlock()
}

// FailNext makes the next n submissions fail regardless of action.
func (s *StubService) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Submit records the instruction and fabricates a fill.
func (s *StubService) Submit(ctx context.Context, in Instruction) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.submissions = append(s.submissions, in)

	if s.failNext > 0 {
		s.failNext--
		return Result{Err: "stub: simulated outage"}, fmt.Errorf("stub: simulated outage")
	}
	if s.failActions[in.Action] {
		return Result{Success: false, Err: "stub: action rejected"}, nil
	}

	// Transfers move value out of the source wallet.
	if in.Action == ActionTransfer {
		from := s.balances["operating"]
		s.balances["operating"] = from.Sub(in.AmountUSD)
		s.balances[in.WalletRef] = s.balances[in.WalletRef].Add(in.AmountUSD)
	}

	return Result{Success: true, TxRef: "STUB-" + uuid.NewString()[:8]}, nil
}

// Balance returns the stub balance for a wallet role.
func (s *StubService) Balance(ctx context.Context, walletRef string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[walletRef], nil
}

// SetBalance overrides a wallet balance.
func (s *StubService) SetBalance(walletRef string, v decimal.Decimal) {
	s.mu.Lock()
	s.balances[walletRef] = v
	s.mu.Unlock()
}

// Submissions returns a copy of everything submitted so far.
func (s *StubService) Submissions() []Instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Instruction, len(s.submissions))
	copy(out, s.submissions)
	return out
}
