package oracle

import "errors"

// Errors reported by ledger operations. Each carries a stable code prefix so
// callers and logs can match them across releases.
var (
	ErrDuplicateRequest      = errors.New("ERR26: incorrect request nonce")
	ErrInvalidExpiration     = errors.New("ERR27: invalid request expiration time")
	ErrInsufficientFunds     = errors.New("E22: not enough tokens in deposit")
	ErrUnauthorized          = errors.New("E100: no permission to invoke this")
	ErrIllegalFee            = errors.New("E101: illegal fee")
	ErrInvalidSpec           = errors.New("E104: unknown oracle spec")
	ErrRequestNotFound       = errors.New("E105: request not found")
	ErrRequestNotActive      = errors.New("E106: request not active")
	ErrRequestExpired        = errors.New("E107: request expired")
	ErrDuplicateConfirmation = errors.New("E108: duplicate confirmation")
	ErrTooEarly              = errors.New("E109: cancel expiration not reached")
)

var (
	errNilState     = errors.New("oracle engine: state not configured")
	errNilSchedule  = errors.New("oracle engine: fee schedule not configured")
	errNilAuthority = errors.New("oracle engine: sender authority not configured")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrDuplicateRequest, "duplicate_request"},
	{ErrInvalidExpiration, "invalid_expiration"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrUnauthorized, "unauthorized"},
	{ErrIllegalFee, "illegal_fee"},
	{ErrInvalidSpec, "invalid_spec"},
	{ErrRequestNotFound, "not_found"},
	{ErrRequestNotActive, "not_active"},
	{ErrRequestExpired, "expired"},
	{ErrDuplicateConfirmation, "duplicate_confirmation"},
	{ErrTooEarly, "too_early"},
}

// ErrorReason returns a short label for the ledger error kind wrapped by err,
// or "internal" for anything else.
func ErrorReason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}
