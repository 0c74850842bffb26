package bondmm

import "math/big"

// applyLiabilityGrowth advances the time-weighted accrual of outstanding
// borrow obligations. It runs as the first step of every mutating operation.
//
// The pool's current blended rate stands in for the average rate over the
// elapsed window. That is not a true integral of the rate path; it is an
// accepted approximation given bounded observation intervals. When the
// oracle is stale the clock still advances, silently deferring growth for
// the stale interval rather than losing it or double counting it later.
func (e *Engine) applyLiabilityGrowth(pool *PoolState, now int64) error {
	if pool == nil || now <= pool.LastUpdateTime {
		return nil
	}
	if pool.NetLiabilities.Sign() == 0 {
		pool.LastUpdateTime = now
		return nil
	}
	if e.oracle.Stale(now) {
		pool.LastUpdateTime = now
		return nil
	}

	anchor, err := e.oracle.AnchorRate()
	if err != nil {
		return err
	}
	rate, err := rateWad(pool.PVBonds, pool.Cash, anchor)
	if err != nil {
		return err
	}
	elapsed := now - pool.LastUpdateTime
	factor, err := expWad(wadMul(rate, yearsWad(elapsed)))
	if err != nil {
		return err
	}
	pool.NetLiabilities = wadMul(pool.NetLiabilities, factor)
	pool.LastUpdateTime = now
	return nil
}

// grownLiability reconstructs the present value of a borrow obligation as it
// has accrued since the position was created, again using the current
// blended rate as the proxy average.
func (e *Engine) grownLiability(pool *PoolState, pos *Position, now int64) (*big.Int, error) {
	anchor, err := e.oracle.AnchorRate()
	if err != nil {
		return nil, err
	}
	rate, err := rateWad(pool.PVBonds, pool.Cash, anchor)
	if err != nil {
		return nil, err
	}
	elapsed := now - pos.CreatedAt
	if elapsed < 0 {
		elapsed = 0
	}
	factor, err := expWad(wadMul(rate, yearsWad(elapsed)))
	if err != nil {
		return nil, err
	}
	return wadMul(pos.InitialPV, factor), nil
}
