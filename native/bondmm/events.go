package bondmm

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/SiddharthManjul/BondMM-A/core/events"
	"github.com/SiddharthManjul/BondMM-A/core/types"
)

const (
	// EventTypePoolInitialized is emitted once when the pool is capitalised.
	EventTypePoolInitialized = "bondmm.pool.initialized"
	// EventTypeLendOpened is emitted when a lender buys a bond claim.
	EventTypeLendOpened = "bondmm.lend.opened"
	// EventTypeBorrowOpened is emitted when a borrower draws cash against collateral.
	EventTypeBorrowOpened = "bondmm.borrow.opened"
	// EventTypeRedeemed is emitted when a matured lend is paid out.
	EventTypeRedeemed = "bondmm.position.redeemed"
	// EventTypeRepaid is emitted when a borrow is settled by its owner.
	EventTypeRepaid = "bondmm.position.repaid"
	// EventTypeLiquidated is emitted when a defaulted borrow is seized.
	EventTypeLiquidated = "bondmm.position.liquidated"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func formatTime(ts int64) string {
	return strconv.FormatInt(ts, 10)
}

// PoolInitializedEvent announces the initial capitalisation.
func PoolInitializedEvent(funder common.Address, initialCash *big.Int, at int64) *types.Event {
	return &types.Event{
		Type: EventTypePoolInitialized,
		Attributes: map[string]string{
			"funder":      funder.Hex(),
			"initialCash": formatAmount(initialCash),
			"timestamp":   formatTime(at),
		},
	}
}

// LendOpenedEvent carries the economic deltas of a new lend position.
func LendOpenedEvent(pos *Position, amount, deltaPV *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeLendOpened,
		Attributes: map[string]string{
			"positionId": formatID(pos.ID),
			"owner":      pos.Owner.Hex(),
			"amount":     formatAmount(amount),
			"faceValue":  formatAmount(pos.FaceValue),
			"deltaPV":    formatAmount(deltaPV),
			"maturity":   formatTime(pos.Maturity),
		},
	}
}

// BorrowOpenedEvent carries the economic deltas of a new borrow position.
func BorrowOpenedEvent(pos *Position, amount, deltaPV *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeBorrowOpened,
		Attributes: map[string]string{
			"positionId": formatID(pos.ID),
			"owner":      pos.Owner.Hex(),
			"amount":     formatAmount(amount),
			"faceValue":  formatAmount(pos.FaceValue),
			"collateral": formatAmount(pos.Collateral),
			"deltaPV":    formatAmount(deltaPV),
			"maturity":   formatTime(pos.Maturity),
		},
	}
}

// RedeemedEvent announces a matured lend paying out its face value.
func RedeemedEvent(pos *Position, payout *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeRedeemed,
		Attributes: map[string]string{
			"positionId": formatID(pos.ID),
			"owner":      pos.Owner.Hex(),
			"payout":     formatAmount(payout),
		},
	}
}

// RepaidEvent announces a borrow settled by its owner.
func RepaidEvent(pos *Position, repayAmount, collateralRefund *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeRepaid,
		Attributes: map[string]string{
			"positionId":       formatID(pos.ID),
			"owner":            pos.Owner.Hex(),
			"repayAmount":      formatAmount(repayAmount),
			"collateralRefund": formatAmount(collateralRefund),
		},
	}
}

// LiquidatedEvent announces a defaulted borrow seized after the grace period.
func LiquidatedEvent(pos *Position, liquidator common.Address, collateralSeized, totalOwed *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeLiquidated,
		Attributes: map[string]string{
			"positionId":       formatID(pos.ID),
			"owner":            pos.Owner.Hex(),
			"liquidator":       liquidator.Hex(),
			"collateralSeized": formatAmount(collateralSeized),
			"totalOwed":        formatAmount(totalOwed),
		},
	}
}
