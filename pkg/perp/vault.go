package perp

import (
	"math/big"
	"sync"

	"github.com/luxfi/log"
)

// EngineIdentity is the caller identity the vault is bound to. Only the
// risk engine moves collateral; any other caller is rejected.
const EngineIdentity = "risk-engine"

// Ledger is the collateral interface the risk engine consumes. It holds
// real balances and has no pricing knowledge.
type Ledger interface {
	Deposit(caller, account string, amount *big.Int) error
	Withdraw(caller, account string, amount *big.Int) error
	TotalDeposits() *big.Int
	Balance() *big.Int
}

// CollateralVault is the pooled collateral ledger. External balances are
// per-account wallet funds; held is the pooled sum the vault controls.
type CollateralVault struct {
	operator      string
	external      map[string]*big.Int
	held          *big.Int
	totalDeposits *big.Int
	logger        log.Logger

	mu sync.RWMutex
}

// NewCollateralVault creates an empty vault restricted to the given
// operator identity.
func NewCollateralVault(operator string, logger log.Logger) *CollateralVault {
	return &CollateralVault{
		operator:      operator,
		external:      make(map[string]*big.Int),
		held:          big.NewInt(0),
		totalDeposits: big.NewInt(0),
		logger:        logger,
	}
}

// Fund credits an account's external balance. Funding mechanics live
// outside the core; this is the operational entry point for them.
func (v *CollateralVault) Fund(account string, amount *big.Int) error {
	if account == "" {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	bal, ok := v.external[account]
	if !ok {
		bal = big.NewInt(0)
		v.external[account] = bal
	}
	bal.Add(bal, amount)
	return nil
}

// Deposit pulls amount from the account's external balance into the pool.
func (v *CollateralVault) Deposit(caller, account string, amount *big.Int) error {
	if caller != v.operator {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	bal, ok := v.external[account]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	v.held.Add(v.held, amount)
	v.totalDeposits.Add(v.totalDeposits, amount)
	return nil
}

// Withdraw pays amount from the pool to the account's external balance.
// Aggregate deposits are decremented, floored at zero.
func (v *CollateralVault) Withdraw(caller, account string, amount *big.Int) error {
	if caller != v.operator {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.held.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	v.held.Sub(v.held, amount)

	v.totalDeposits.Sub(v.totalDeposits, amount)
	if v.totalDeposits.Sign() < 0 {
		v.totalDeposits.SetInt64(0)
	}

	bal, ok := v.external[account]
	if !ok {
		bal = big.NewInt(0)
		v.external[account] = bal
	}
	bal.Add(bal, amount)
	return nil
}

// TotalDeposits returns the aggregate deposited amount.
func (v *CollateralVault) TotalDeposits() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.totalDeposits)
}

// Balance returns the pooled holdings.
func (v *CollateralVault) Balance() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.held)
}

// ExternalBalance returns an account's wallet balance.
func (v *CollateralVault) ExternalBalance(account string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if bal, ok := v.external[account]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}
