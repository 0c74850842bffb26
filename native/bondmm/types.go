package bondmm

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PoolState captures the global accounting state for the bond market maker.
// Amounts are wad-scaled big integers. A single instance lives for the
// pool's entire operational lifetime.
type PoolState struct {
	// Cash is the pool's liquid balance in the underlying asset.
	Cash *big.Int
	// PVBonds is the present value of all bond claims outstanding. It is
	// strictly positive by construction.
	PVBonds *big.Int
	// NetLiabilities is the present value of outstanding borrow
	// obligations, grown over time by the liability decay updater.
	NetLiabilities *big.Int
	// InitialCash is an immutable snapshot taken at initialization, used
	// only by the solvency floor.
	InitialCash *big.Int
	// LastUpdateTime records when liability growth was last compounded.
	LastUpdateTime int64
	// NextPositionID is a monotonically increasing counter, never reused.
	NextPositionID uint64
	// Initialized flips once when the pool is capitalised.
	Initialized bool
}

// Clone returns a deep copy of the pool state.
func (p *PoolState) Clone() *PoolState {
	if p == nil {
		return nil
	}
	clone := &PoolState{
		LastUpdateTime: p.LastUpdateTime,
		NextPositionID: p.NextPositionID,
		Initialized:    p.Initialized,
	}
	if p.Cash != nil {
		clone.Cash = new(big.Int).Set(p.Cash)
	}
	if p.PVBonds != nil {
		clone.PVBonds = new(big.Int).Set(p.PVBonds)
	}
	if p.NetLiabilities != nil {
		clone.NetLiabilities = new(big.Int).Set(p.NetLiabilities)
	}
	if p.InitialCash != nil {
		clone.InitialCash = new(big.Int).Set(p.InitialCash)
	}
	return clone
}

func (p *PoolState) ensureDefaults() {
	if p.Cash == nil {
		p.Cash = big.NewInt(0)
	}
	if p.PVBonds == nil {
		p.PVBonds = big.NewInt(0)
	}
	if p.NetLiabilities == nil {
		p.NetLiabilities = big.NewInt(0)
	}
	if p.InitialCash == nil {
		p.InitialCash = big.NewInt(0)
	}
}

// Position records a single lend or borrow claim against the pool. Fields
// are immutable after creation except Active, which transitions true to
// false exactly once on redeem, repay or liquidate.
type Position struct {
	// ID is the arena key assigned from the pool's monotonic counter.
	ID uint64
	// Owner is the controlling identity. It is an opaque value, not a
	// structural pointer into any other record.
	Owner common.Address
	// FaceValue is the fixed amount owed at maturity.
	FaceValue *big.Int
	// Maturity is the unix timestamp when the claim comes due.
	Maturity int64
	// Collateral is the amount held against a borrow, zero for lends.
	Collateral *big.Int
	// InitialPV is the present value booked into the pool sides at
	// creation, kept for liability growth reconstruction.
	InitialPV *big.Int
	// CreatedAt is the creation timestamp.
	CreatedAt int64
	// IsBorrow discriminates the lend and borrow variants.
	IsBorrow bool
	// Active is true until the position reaches its terminal state.
	Active bool
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{
		ID:        p.ID,
		Owner:     p.Owner,
		Maturity:  p.Maturity,
		CreatedAt: p.CreatedAt,
		IsBorrow:  p.IsBorrow,
		Active:    p.Active,
	}
	if p.FaceValue != nil {
		clone.FaceValue = new(big.Int).Set(p.FaceValue)
	}
	if p.Collateral != nil {
		clone.Collateral = new(big.Int).Set(p.Collateral)
	}
	if p.InitialPV != nil {
		clone.InitialPV = new(big.Int).Set(p.InitialPV)
	}
	return clone
}

func (p *Position) ensureDefaults() {
	if p.FaceValue == nil {
		p.FaceValue = big.NewInt(0)
	}
	if p.Collateral == nil {
		p.Collateral = big.NewInt(0)
	}
	if p.InitialPV == nil {
		p.InitialPV = big.NewInt(0)
	}
}
