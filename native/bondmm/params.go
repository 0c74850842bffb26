package bondmm

import (
	"math/big"
	"time"
)

const (
	// SecondsPerYear is the annualisation basis shared by the rate model
	// and the liability growth factor.
	SecondsPerYear = 31_536_000

	// MinMaturity and MaxMaturity bound how far out a bond claim may be
	// written, measured from the operation timestamp.
	MinMaturity = 30 * 24 * time.Hour
	MaxMaturity = 365 * 24 * time.Hour

	// GracePeriod is the interval after maturity during which a defaulted
	// borrow cannot yet be liquidated.
	GracePeriod = 24 * time.Hour

	// CollateralRatioBps is the minimum collateral posted against a borrow,
	// expressed in basis points of the borrowed amount.
	CollateralRatioBps = 15_000

	// SolvencyThresholdBps is the fraction of the initial capitalisation
	// that pool equity must retain, in basis points.
	SolvencyThresholdBps = 9_900

	// LiquidationPenaltyBps is the surcharge applied on top of the defaulted
	// face value when quoting the total owed figure.
	LiquidationPenaltyBps = 500
)

var (
	basisPoints = big.NewInt(10_000)

	// kappa is the rate sensitivity constant of the invariant, 0.02 at wad
	// scale.
	kappa = big.NewInt(20_000_000_000_000_000)
)
