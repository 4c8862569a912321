package staking

import (
	"errors"
	"fmt"
)

// Error kinds. Every rejection wraps exactly one of these, so callers can
// branch on the kind with errors.Is while still seeing the specific cause.
var (
	ErrUnauthorized        = errors.New("staking: unauthorized")
	ErrWindowViolation     = errors.New("staking: acceptance window violation")
	ErrNotMature           = errors.New("staking: stake not mature")
	ErrAlreadySettled      = errors.New("staking: stake already settled")
	ErrAssetTransferFailed = errors.New("staking: asset transfer failed")
	ErrInvalidArgument     = errors.New("staking: invalid argument")
	ErrNotFound            = errors.New("staking: not found")
)

var (
	ErrNotManager  = fmt.Errorf("%w: caller lacks manager role", ErrUnauthorized)
	ErrNotOwner    = fmt.Errorf("%w: caller does not own stake", ErrUnauthorized)
	ErrLastManager = fmt.Errorf("%w: cannot revoke the last manager", ErrUnauthorized)

	ErrCycleAlreadyOpen    = fmt.Errorf("%w: previous cycle still open", ErrWindowViolation)
	ErrDepositWindowClosed = fmt.Errorf("%w: deposit window closed", ErrWindowViolation)
	ErrNoActiveCycle       = fmt.Errorf("%w: pool was never opened", ErrWindowViolation)

	ErrUnknownPool   = fmt.Errorf("%w: unknown pool", ErrNotFound)
	ErrStakeNotFound = fmt.Errorf("%w: unknown stake", ErrNotFound)
	ErrUnknownCycle  = fmt.Errorf("%w: unknown cycle", ErrNotFound)

	ErrInvalidAmount   = fmt.Errorf("%w: amount must be a positive integer", ErrInvalidArgument)
	ErrInvalidWindow   = fmt.Errorf("%w: window hours must be positive", ErrInvalidArgument)
	ErrNotAManager     = fmt.Errorf("%w: account is not a manager", ErrInvalidArgument)
	ErrNothingToReward = fmt.Errorf("%w: no cycle holds unsettled principal", ErrInvalidArgument)
)

// Kind returns the taxonomy kind err belongs to, or nil if err is not an
// engine error. Used for metric labels and HTTP status mapping.
func Kind(err error) error {
	for _, k := range []error{
		ErrUnauthorized,
		ErrWindowViolation,
		ErrNotMature,
		ErrAlreadySettled,
		ErrAssetTransferFailed,
		ErrInvalidArgument,
		ErrNotFound,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindLabel is Kind rendered as a short metric label.
func KindLabel(err error) string {
	switch Kind(err) {
	case ErrUnauthorized:
		return "unauthorized"
	case ErrWindowViolation:
		return "window_violation"
	case ErrNotMature:
		return "not_mature"
	case ErrAlreadySettled:
		return "already_settled"
	case ErrAssetTransferFailed:
		return "asset_transfer_failed"
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrNotFound:
		return "not_found"
	default:
		return "internal"
	}
}
