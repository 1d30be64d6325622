package checkout

import (
	"errors"
	"strings"
)

var (
	ErrInvalidPhone      = errors.New("please enter a valid Kenyan phone number starting with 07 or 01")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrInitiation        = errors.New("stk push failed")
	ErrPushInProgress    = errors.New("payment already in progress")
	ErrAlreadyReconciled = errors.New("callback already reconciled")
	ErrOrderNotFinalized = errors.New("order has not been finalized")
	ErrRateLimited       = errors.New("rate limited")
	ErrCallbackNotStored = errors.New("callback not stored")
)

// isRateLimited reports whether a remote status error should suspend remote
// queries. The structured flag is preferred; message text is the fallback
// for gateways that only describe the limit.
func isRateLimited(flag bool, text string) bool {
	return flag || strings.Contains(strings.ToLower(text), "rate")
}
