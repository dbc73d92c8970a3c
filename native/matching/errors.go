package matching

import (
	"errors"

	nativecommon "ratematch/native/common"
)

var (
	ErrNilState               = errors.New("matching engine: pool adapter or oracle not configured")
	ErrInvalidAmount          = errors.New("matching engine: amount must be positive")
	ErrAmountOverflow         = errors.New("matching engine: amount exceeds 256 bits")
	ErrMarketNotFound         = errors.New("matching engine: market not created")
	ErrMarketExists           = errors.New("matching engine: market already created")
	ErrMarketNotEnabled       = errors.New("matching engine: market paused")
	ErrInsufficientCollateral = errors.New("matching engine: debt would exceed borrowing capacity")
	ErrExcessiveSeize         = errors.New("matching engine: seized amount exceeds collateral")
	ErrExcessiveRepay         = errors.New("matching engine: repaid amount exceeds close factor")
	ErrNotLiquidatable        = errors.New("matching engine: borrower not eligible for liquidation")
	ErrNotAMember             = errors.New("matching engine: user not a member of market")
	ErrNothingToWithdraw      = errors.New("matching engine: nothing to withdraw")
	ErrNoDebtToRepay          = errors.New("matching engine: no outstanding debt to repay")
	ErrReentrant              = errors.New("matching engine: operation already in progress")
	ErrInvalidConfig          = errors.New("matching engine: invalid configuration")
	ErrIndexDecreased         = errors.New("matching engine: pool index decreased")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidAmount, "invalid_amount"},
	{ErrAmountOverflow, "amount_overflow"},
	{ErrMarketNotFound, "market_not_found"},
	{ErrMarketExists, "market_exists"},
	{ErrMarketNotEnabled, "market_paused"},
	{ErrInsufficientCollateral, "insufficient_collateral"},
	{ErrExcessiveSeize, "excessive_seize"},
	{ErrExcessiveRepay, "excessive_repay"},
	{ErrNotLiquidatable, "not_liquidatable"},
	{ErrNotAMember, "not_a_member"},
	{ErrNothingToWithdraw, "nothing_to_withdraw"},
	{ErrNoDebtToRepay, "no_debt"},
	{ErrReentrant, "reentrant"},
	{ErrInvalidConfig, "invalid_config"},
	{ErrIndexDecreased, "index_decreased"},
	{ErrNilState, "nil_state"},
	{nativecommon.ErrModulePaused, "module_paused"},
}

// ErrorCode returns a stable label for err. Unknown errors, including
// collaborator failures, map to "internal" and nil to "".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "internal"
}
