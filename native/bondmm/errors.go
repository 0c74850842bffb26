package bondmm

import "errors"

// Sentinel categories surfaced to callers. Specific failures wrap one of
// these so callers can branch with errors.Is without matching message text.
var (
	ErrValidation    = errors.New("bondmm: validation failed")
	ErrAuthorization = errors.New("bondmm: not authorized")
	ErrOracleStale   = errors.New("bondmm: oracle unavailable")
	ErrLiquidity     = errors.New("bondmm: insufficient pool liquidity")
	ErrSolvency      = errors.New("bondmm: solvency threshold breached")
	ErrArithmetic    = errors.New("bondmm: arithmetic domain error")
)

var (
	errNilState           = errors.New("bondmm engine: state not configured")
	errNilOracle          = errors.New("bondmm engine: oracle not configured")
	errNilLedger          = errors.New("bondmm engine: ledger not configured")
	errNotInitialized     = errors.New("bondmm engine: pool not initialized")
	errAlreadyInitialized = errors.New("bondmm engine: pool already initialized")
	errPositionNotFound   = errors.New("bondmm engine: position not found")
	errPositionClosed     = errors.New("bondmm engine: position not active")
)
