package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInsufficientBalance is returned when a transfer would overdraw the
	// payer's account.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrInvalidAmount is returned for nil or negative transfer amounts.
	ErrInvalidAmount = errors.New("bank: transfer amount must be non-negative")
)

// Ledger is an in-process single-asset account book. Transfers are
// exact-amount with no fees, matching the contract the pool engine relies
// on: the payee receives exactly what the payer sent or the transfer fails
// with no effect.
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]*big.Int
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[common.Address]*big.Int)}
}

// Mint credits an account, used to seed balances at bootstrap and in tests.
func (l *Ledger) Mint(addr common.Address, amount *big.Int) {
	if l == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] = new(big.Int).Add(l.balanceLocked(addr), amount)
}

// BalanceOf returns the current balance of the account.
func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.balanceLocked(addr))
}

func (l *Ledger) balanceLocked(addr common.Address) *big.Int {
	if bal, ok := l.balances[addr]; ok {
		return bal
	}
	return big.NewInt(0)
}

func (l *Ledger) move(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fromBal := l.balanceLocked(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal, amount)
	}
	l.balances[from] = new(big.Int).Sub(fromBal, amount)
	l.balances[to] = new(big.Int).Add(l.balanceLocked(to), amount)
	return nil
}

// TransferFrom pulls the amount from the payer into the pool account.
func (l *Ledger) TransferFrom(payer, pool common.Address, amount *big.Int) error {
	return l.move(payer, pool, amount)
}

// Transfer pushes the amount from the pool account to the payee.
func (l *Ledger) Transfer(pool, payee common.Address, amount *big.Int) error {
	return l.move(pool, payee, amount)
}
