package bondmm

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/SiddharthManjul/BondMM-A/core/events"
	"github.com/SiddharthManjul/BondMM-A/core/types"
)

// engineState is the persistence surface the engine mutates. Implementations
// must be synchronous; the engine persists only after an operation has fully
// validated, so a Put never needs to be undone by a later step of the same
// operation.
type engineState interface {
	GetPool() (*PoolState, error)
	PutPool(*PoolState) error
	GetPosition(id uint64) (*Position, error)
	PutPosition(*Position) error
}

// RateOracle supplies the externally anchored reference rate. AnchorRate
// returns the last observed value even when the feed has gone stale; Stale
// reports whether the last update is older than the freshness window. Entry
// operations hard-reject on a stale feed, exit operations do not so that
// positions can always be unwound during an oracle outage.
type RateOracle interface {
	AnchorRate() (*big.Int, error)
	Stale(now int64) bool
}

// AssetLedger moves the underlying fungible asset between the pool and its
// counterparties. Transfers are exact-amount; any failure aborts the
// enclosing operation.
type AssetLedger interface {
	TransferFrom(payer, pool common.Address, amount *big.Int) error
	Transfer(pool, payee common.Address, amount *big.Int) error
}

// Engine orchestrates every state transition of the bond market maker
// against the single shared pool state and position table. Operations are
// strictly serialized: the engine's lock is held for the full duration of
// each call, so no nested or concurrent mutation can observe intermediate
// state.
type Engine struct {
	mu          sync.Mutex
	state       engineState
	oracle      RateOracle
	ledger      AssetLedger
	emitter     events.Emitter
	poolAddress common.Address
	nowFn       func() int64
	logger      *slog.Logger
}

// NewEngine constructs an engine bound to the pool's ledger identity and its
// two external collaborators. State is wired separately via SetState.
func NewEngine(poolAddr common.Address, oracle RateOracle, ledger AssetLedger) *Engine {
	return &Engine{
		oracle:      oracle,
		ledger:      ledger,
		emitter:     events.NoopEmitter{},
		poolAddress: poolAddr,
		nowFn:       func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetLogger attaches a structured logger. A nil logger keeps the engine
// silent.
func (e *Engine) SetLogger(logger *slog.Logger) { e.logger = logger }

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(eventEnvelope{evt: evt})
}

func (e *Engine) logOp(op string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Info(op, args...)
}

func (e *Engine) checkWiring() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.oracle == nil {
		return errNilOracle
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nil
}

func (e *Engine) loadPool() (*PoolState, error) {
	pool, err := e.state.GetPool()
	if err != nil {
		return nil, err
	}
	if pool == nil || !pool.Initialized {
		return nil, fmt.Errorf("%w: %s", ErrAuthorization, errNotInitialized)
	}
	pool.ensureDefaults()
	return pool, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Initialize capitalises the pool with the funder's cash. The bond reserve
// is seeded equal to the cash reserve so the opening blended rate is exactly
// the oracle anchor.
func (e *Engine) Initialize(funder common.Address, initialCash *big.Int) error {
	if err := e.checkWiring(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.state.GetPool()
	if err != nil {
		return err
	}
	if existing != nil && existing.Initialized {
		return fmt.Errorf("%w: %s", ErrAuthorization, errAlreadyInitialized)
	}
	if initialCash == nil || initialCash.Sign() <= 0 {
		return fmt.Errorf("%w: initial cash must be positive", ErrValidation)
	}

	amount := cloneBigInt(initialCash)
	if err := e.ledger.TransferFrom(funder, e.poolAddress, amount); err != nil {
		return err
	}

	now := e.now()
	pool := &PoolState{
		Cash:           new(big.Int).Set(amount),
		PVBonds:        new(big.Int).Set(amount),
		NetLiabilities: big.NewInt(0),
		InitialCash:    new(big.Int).Set(amount),
		LastUpdateTime: now,
		NextPositionID: 1,
		Initialized:    true,
	}
	if err := e.state.PutPool(pool); err != nil {
		refundErr := e.ledger.Transfer(e.poolAddress, funder, amount)
		return errors.Join(err, refundErr)
	}

	e.emit(PoolInitializedEvent(funder, amount, now))
	e.logOp("pool initialized", "funder", funder.Hex(), "initialCash", amount.String())
	return nil
}

func (e *Engine) validateMaturity(now, maturity int64) error {
	min := now + int64(MinMaturity/time.Second)
	max := now + int64(MaxMaturity/time.Second)
	if maturity < min || maturity > max {
		return fmt.Errorf("%w: maturity %d outside [%d, %d]", ErrValidation, maturity, min, max)
	}
	return nil
}

// Lend deposits cash and opens a bond claim of fixed face value at the
// chosen maturity. The solvency guard is enforced as a postcondition: a
// violation rolls back the whole operation, including the already-pulled
// transfer.
func (e *Engine) Lend(owner common.Address, amount *big.Int, maturity int64) (*Position, error) {
	if err := e.checkWiring(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := e.applyLiabilityGrowth(pool, now); err != nil {
		return nil, err
	}

	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: lend amount must be positive", ErrValidation)
	}
	if err := e.validateMaturity(now, maturity); err != nil {
		return nil, err
	}
	if e.oracle.Stale(now) {
		return nil, fmt.Errorf("%w: anchor rate feed stale", ErrOracleStale)
	}
	anchor, err := e.oracle.AnchorRate()
	if err != nil {
		return nil, err
	}

	t := yearsWad(maturity - now)
	deltaX, err := deltaFaceValue(pool.PVBonds, pool.Cash, amount, t, anchor, DirectionLend)
	if err != nil {
		return nil, err
	}
	rate, err := rateWad(pool.PVBonds, pool.Cash, anchor)
	if err != nil {
		return nil, err
	}
	price, err := priceWad(t, rate)
	if err != nil {
		return nil, err
	}
	deltaPV := wadMul(deltaX, price)

	newBonds := new(big.Int).Sub(pool.PVBonds, deltaPV)
	if newBonds.Sign() <= 0 {
		return nil, fmt.Errorf("%w: lend exhausts the bond reserve", ErrArithmetic)
	}

	lent := cloneBigInt(amount)
	if err := e.ledger.TransferFrom(owner, e.poolAddress, lent); err != nil {
		return nil, err
	}

	pool.Cash = new(big.Int).Add(pool.Cash, lent)
	pool.PVBonds = newBonds
	if !solvent(pool) {
		refundErr := e.ledger.Transfer(e.poolAddress, owner, lent)
		solvencyErr := fmt.Errorf("%w: lend would breach the solvency floor", ErrSolvency)
		if refundErr != nil {
			return nil, errors.Join(solvencyErr, refundErr)
		}
		return nil, solvencyErr
	}

	pos := &Position{
		ID:         pool.NextPositionID,
		Owner:      owner,
		FaceValue:  deltaX,
		Maturity:   maturity,
		Collateral: big.NewInt(0),
		InitialPV:  deltaPV,
		CreatedAt:  now,
		IsBorrow:   false,
		Active:     true,
	}
	pool.NextPositionID++

	if err := e.persistTrade(pool, pos, owner, lent); err != nil {
		return nil, err
	}

	e.emit(LendOpenedEvent(pos, lent, deltaPV))
	e.logOp("lend opened", "positionId", pos.ID, "owner", owner.Hex(),
		"amount", lent.String(), "faceValue", deltaX.String())
	return pos.Clone(), nil
}

// persistTrade writes the position then the pool, refunding the pulled cash
// if either write fails so the ledger never diverges from stored state.
func (e *Engine) persistTrade(pool *PoolState, pos *Position, owner common.Address, pulled *big.Int) error {
	if err := e.state.PutPosition(pos); err != nil {
		refundErr := e.ledger.Transfer(e.poolAddress, owner, pulled)
		return errors.Join(err, refundErr)
	}
	if err := e.state.PutPool(pool); err != nil {
		refundErr := e.ledger.Transfer(e.poolAddress, owner, pulled)
		return errors.Join(err, refundErr)
	}
	return nil
}

// Borrow deposits collateral and draws cash against a fixed repayment
// obligation. The solvency guard is deliberately not enforced here; the
// collateral pulled into the pool's custody covers the drawn cash, and
// keeping the exit-side flows unconditional was the chosen policy for the
// asymmetry.
func (e *Engine) Borrow(owner common.Address, amount, collateral *big.Int, maturity int64) (*Position, error) {
	if err := e.checkWiring(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := e.applyLiabilityGrowth(pool, now); err != nil {
		return nil, err
	}

	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: borrow amount must be positive", ErrValidation)
	}
	required := new(big.Int).Mul(amount, big.NewInt(CollateralRatioBps))
	required.Quo(required, basisPoints)
	if collateral == nil || collateral.Cmp(required) < 0 {
		return nil, fmt.Errorf("%w: collateral below %d bps of principal", ErrValidation, CollateralRatioBps)
	}
	if err := e.validateMaturity(now, maturity); err != nil {
		return nil, err
	}
	if e.oracle.Stale(now) {
		return nil, fmt.Errorf("%w: anchor rate feed stale", ErrOracleStale)
	}
	if pool.Cash.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: pool cash %s below requested %s", ErrLiquidity, pool.Cash, amount)
	}
	anchor, err := e.oracle.AnchorRate()
	if err != nil {
		return nil, err
	}

	t := yearsWad(maturity - now)
	deltaX, err := deltaFaceValue(pool.PVBonds, pool.Cash, amount, t, anchor, DirectionBorrow)
	if err != nil {
		return nil, err
	}
	rate, err := rateWad(pool.PVBonds, pool.Cash, anchor)
	if err != nil {
		return nil, err
	}
	price, err := priceWad(t, rate)
	if err != nil {
		return nil, err
	}
	deltaPV := wadMul(deltaX, price)

	posted := cloneBigInt(collateral)
	drawn := cloneBigInt(amount)
	if err := e.ledger.TransferFrom(owner, e.poolAddress, posted); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(e.poolAddress, owner, drawn); err != nil {
		refundErr := e.ledger.Transfer(e.poolAddress, owner, posted)
		return nil, errors.Join(err, refundErr)
	}

	pool.Cash = new(big.Int).Sub(pool.Cash, drawn)
	pool.PVBonds = new(big.Int).Add(pool.PVBonds, deltaPV)
	pool.NetLiabilities = new(big.Int).Add(pool.NetLiabilities, deltaPV)

	pos := &Position{
		ID:         pool.NextPositionID,
		Owner:      owner,
		FaceValue:  deltaX,
		Maturity:   maturity,
		Collateral: posted,
		InitialPV:  deltaPV,
		CreatedAt:  now,
		IsBorrow:   true,
		Active:     true,
	}
	pool.NextPositionID++

	if err := e.persistBorrow(pool, pos, owner, posted, drawn); err != nil {
		return nil, err
	}

	e.emit(BorrowOpenedEvent(pos, drawn, deltaPV))
	e.logOp("borrow opened", "positionId", pos.ID, "owner", owner.Hex(),
		"amount", drawn.String(), "faceValue", deltaX.String())
	return pos.Clone(), nil
}

func (e *Engine) persistBorrow(pool *PoolState, pos *Position, owner common.Address, posted, drawn *big.Int) error {
	undo := func(cause error) error {
		pullErr := e.ledger.TransferFrom(owner, e.poolAddress, drawn)
		refundErr := e.ledger.Transfer(e.poolAddress, owner, posted)
		return errors.Join(cause, pullErr, refundErr)
	}
	if err := e.state.PutPosition(pos); err != nil {
		return undo(err)
	}
	if err := e.state.PutPool(pool); err != nil {
		return undo(err)
	}
	return nil
}

// Redeem pays out a matured lend at face value. Price is exactly par at and
// after maturity, so the payout is the face value with no discounting.
func (e *Engine) Redeem(caller common.Address, id uint64) (*big.Int, error) {
	if err := e.checkWiring(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := e.applyLiabilityGrowth(pool, now); err != nil {
		return nil, err
	}

	pos, err := e.loadActivePosition(id)
	if err != nil {
		return nil, err
	}
	if pos.IsBorrow {
		return nil, fmt.Errorf("%w: position %d is not a lend", ErrValidation, id)
	}
	if pos.Owner != caller {
		return nil, fmt.Errorf("%w: caller does not own position %d", ErrAuthorization, id)
	}
	if now < pos.Maturity {
		return nil, fmt.Errorf("%w: position %d not yet matured", ErrValidation, id)
	}

	payout := cloneBigInt(pos.FaceValue)
	if pool.Cash.Cmp(payout) < 0 {
		return nil, fmt.Errorf("%w: pool cash %s below redemption %s", ErrLiquidity, pool.Cash, payout)
	}

	if err := e.ledger.Transfer(e.poolAddress, caller, payout); err != nil {
		return nil, err
	}

	pool.Cash = new(big.Int).Sub(pool.Cash, payout)
	pool.PVBonds = new(big.Int).Add(pool.PVBonds, pos.FaceValue)
	pos.Active = false

	if err := e.persistClose(pool, pos, func() error {
		return e.ledger.TransferFrom(caller, e.poolAddress, payout)
	}); err != nil {
		return nil, err
	}

	e.emit(RedeemedEvent(pos, payout))
	e.logOp("position redeemed", "positionId", id, "payout", payout.String())
	return payout, nil
}

// Repay settles a borrow. Before maturity the obligation is discounted at
// the current blended rate; at or after maturity the full face value is
// due. The full collateral is refunded regardless of the repay size, and
// the pool's liability side is reduced by the grown value of the original
// obligation.
func (e *Engine) Repay(caller common.Address, id uint64) (*big.Int, error) {
	if err := e.checkWiring(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := e.applyLiabilityGrowth(pool, now); err != nil {
		return nil, err
	}

	pos, err := e.loadActivePosition(id)
	if err != nil {
		return nil, err
	}
	if !pos.IsBorrow {
		return nil, fmt.Errorf("%w: position %d is not a borrow", ErrValidation, id)
	}
	if pos.Owner != caller {
		return nil, fmt.Errorf("%w: caller does not own position %d", ErrAuthorization, id)
	}

	anchor, err := e.oracle.AnchorRate()
	if err != nil {
		return nil, err
	}

	var repayAmount, currentPV *big.Int
	if now >= pos.Maturity {
		repayAmount = cloneBigInt(pos.FaceValue)
		currentPV = cloneBigInt(pos.FaceValue)
	} else {
		rate, rateErr := rateWad(pool.PVBonds, pool.Cash, anchor)
		if rateErr != nil {
			return nil, rateErr
		}
		price, priceErr := priceWad(yearsWad(pos.Maturity-now), rate)
		if priceErr != nil {
			return nil, priceErr
		}
		repayAmount = wadMul(pos.FaceValue, price)
		currentPV = new(big.Int).Set(repayAmount)
	}

	grown, err := e.grownLiability(pool, pos, now)
	if err != nil {
		return nil, err
	}

	newBonds := new(big.Int).Sub(pool.PVBonds, currentPV)
	if newBonds.Sign() <= 0 {
		return nil, fmt.Errorf("%w: repayment exhausts the bond reserve", ErrArithmetic)
	}

	refund := cloneBigInt(pos.Collateral)
	if err := e.ledger.TransferFrom(caller, e.poolAddress, repayAmount); err != nil {
		return nil, err
	}
	if err := e.ledger.Transfer(e.poolAddress, caller, refund); err != nil {
		undoErr := e.ledger.Transfer(e.poolAddress, caller, repayAmount)
		return nil, errors.Join(err, undoErr)
	}

	pool.Cash = new(big.Int).Add(pool.Cash, repayAmount)
	pool.PVBonds = newBonds
	pool.NetLiabilities = new(big.Int).Sub(pool.NetLiabilities, grown)
	if pool.NetLiabilities.Sign() < 0 {
		pool.NetLiabilities = big.NewInt(0)
	}
	pos.Active = false

	if err := e.persistClose(pool, pos, func() error {
		if undoErr := e.ledger.TransferFrom(caller, e.poolAddress, refund); undoErr != nil {
			return undoErr
		}
		return e.ledger.Transfer(e.poolAddress, caller, repayAmount)
	}); err != nil {
		return nil, err
	}

	e.emit(RepaidEvent(pos, repayAmount, refund))
	e.logOp("position repaid", "positionId", id, "repayAmount", repayAmount.String())
	return repayAmount, nil
}

// Liquidate seizes the collateral of a borrow that has defaulted past the
// grace period. Anyone may call it. The penalty figure is informational
// only: nothing beyond the posted collateral is ever collected, so the
// total owed travels in the event rather than the ledger.
func (e *Engine) Liquidate(caller common.Address, id uint64) (*big.Int, error) {
	if err := e.checkWiring(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := e.applyLiabilityGrowth(pool, now); err != nil {
		return nil, err
	}

	pos, err := e.loadActivePosition(id)
	if err != nil {
		return nil, err
	}
	if !pos.IsBorrow {
		return nil, fmt.Errorf("%w: position %d is not a borrow", ErrValidation, id)
	}
	deadline := pos.Maturity + int64(GracePeriod/time.Second)
	if now < deadline {
		return nil, fmt.Errorf("%w: grace period for position %d runs until %d", ErrValidation, id, deadline)
	}

	debt := cloneBigInt(pos.FaceValue)
	penalty := new(big.Int).Mul(debt, big.NewInt(LiquidationPenaltyBps))
	penalty.Quo(penalty, basisPoints)
	totalOwed := new(big.Int).Add(debt, penalty)

	grown, err := e.grownLiability(pool, pos, now)
	if err != nil {
		return nil, err
	}

	newBonds := new(big.Int).Sub(pool.PVBonds, pos.FaceValue)
	if newBonds.Sign() <= 0 {
		return nil, fmt.Errorf("%w: liquidation exhausts the bond reserve", ErrArithmetic)
	}

	// The collateral was pulled into the pool's custody at borrow time, so
	// seizing it is pure bookkeeping with no ledger movement.
	seized := cloneBigInt(pos.Collateral)
	pool.Cash = new(big.Int).Add(pool.Cash, seized)
	pool.PVBonds = newBonds
	pool.NetLiabilities = new(big.Int).Sub(pool.NetLiabilities, grown)
	if pool.NetLiabilities.Sign() < 0 {
		pool.NetLiabilities = big.NewInt(0)
	}
	pos.Active = false

	if err := e.persistClose(pool, pos, nil); err != nil {
		return nil, err
	}

	e.emit(LiquidatedEvent(pos, caller, seized, totalOwed))
	e.logOp("position liquidated", "positionId", id, "liquidator", caller.Hex(),
		"collateralSeized", seized.String())
	return seized, nil
}

// persistClose writes the closed position then the pool. The undo callback
// reverses any transfers already issued if a write fails.
func (e *Engine) persistClose(pool *PoolState, pos *Position, undo func() error) error {
	fail := func(cause error) error {
		if undo == nil {
			return cause
		}
		if undoErr := undo(); undoErr != nil {
			return errors.Join(cause, undoErr)
		}
		return cause
	}
	if err := e.state.PutPosition(pos); err != nil {
		return fail(err)
	}
	if err := e.state.PutPool(pool); err != nil {
		return fail(err)
	}
	return nil
}

func (e *Engine) loadActivePosition(id uint64) (*Position, error) {
	pos, err := e.state.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: %s (id %d)", ErrValidation, errPositionNotFound, id)
	}
	pos.ensureDefaults()
	if !pos.Active {
		return nil, fmt.Errorf("%w: %s (id %d)", ErrValidation, errPositionClosed, id)
	}
	return pos, nil
}

// solvent reports whether cash plus outstanding liabilities retain at least
// the solvency threshold share of the initial capitalisation.
func solvent(pool *PoolState) bool {
	equity := new(big.Int).Add(pool.Cash, pool.NetLiabilities)
	equity.Mul(equity, basisPoints)
	floor := new(big.Int).Mul(pool.InitialCash, big.NewInt(SolvencyThresholdBps))
	return equity.Cmp(floor) >= 0
}

// CheckSolvency evaluates the solvency predicate against current state. It
// is a pure read and can be called at any time.
func (e *Engine) CheckSolvency() (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, err := e.loadPool()
	if err != nil {
		return false, err
	}
	return solvent(pool), nil
}

// CurrentRate returns the pool's blended rate at wad scale. When the bond
// and cash reserves are equal this is exactly the oracle anchor.
func (e *Engine) CurrentRate() (*big.Int, error) {
	if err := e.checkWiring(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	anchor, err := e.oracle.AnchorRate()
	if err != nil {
		return nil, err
	}
	return rateWad(pool.PVBonds, pool.Cash, anchor)
}

// GetPosition returns a snapshot of the position with the given id.
func (e *Engine) GetPosition(id uint64) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, err := e.state.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: %s (id %d)", ErrValidation, errPositionNotFound, id)
	}
	pos.ensureDefaults()
	return pos.Clone(), nil
}

// PoolSnapshot returns a copy of the current pool state.
func (e *Engine) PoolSnapshot() (*PoolState, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}
