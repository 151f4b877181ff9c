package service

import (
	"fmt"

	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
)

// Domain errors. Callers match them with errors.Is; each carries a code for
// transport mapping.
var (
	ErrMissingSigners   = errors.New(errors.ErrCodeInvalidInput, "no signers resolved for form")
	ErrAmbiguousPrimary = errors.New(errors.ErrCodeConflict, "more than one primary signer in an order tier")
	ErrInvalidLinkage   = errors.New(errors.ErrCodeInvalidInput, "invalid upstream linkage")
	ErrQuantityExceeded = errors.New(errors.ErrCodeInvalidInput, "quantity exceeds upstream approved quantity")
	ErrAlreadyDecided   = errors.New(errors.ErrCodeConflict, "assignment already decided")
	ErrUnknownRequest   = errors.New(errors.ErrCodeNotFound, "unknown request")
	ErrTerminalRequest  = errors.New(errors.ErrCodeConflict, "request is no longer pending")
	ErrTierNotReached   = errors.New(errors.ErrCodeConflict, "a lower signer tier has not cleared")
	ErrNotAssigned      = errors.New(errors.ErrCodeForbidden, "member is not the assigned signer")
	ErrForbidden        = errors.New(errors.ErrCodeForbidden, "operation not permitted for member")
)

// QuantityExceededError reports how much of an item is still available
// against an upstream request.
type QuantityExceededError struct {
	UpstreamRequestID string
	Item              string
	Requested         float64
	Available         float64
}

func (e *QuantityExceededError) Error() string {
	return fmt.Sprintf("%s: item %q requested %g, available %g against %s",
		ErrQuantityExceeded.Message, e.Item, e.Requested, e.Available, e.UpstreamRequestID)
}

func (e *QuantityExceededError) Unwrap() error { return ErrQuantityExceeded }

// ErrorCode implements errors.Coder.
func (e *QuantityExceededError) ErrorCode() errors.ErrCode { return ErrQuantityExceeded.Code }

// wrapf decorates a domain sentinel with context while keeping it matchable.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// unknownRequest converts a repository NOT_FOUND into ErrUnknownRequest.
func unknownRequest(err error, id string) error {
	if errors.CodeOf(err) == errors.ErrCodeNotFound {
		return wrapf(ErrUnknownRequest, "%s", id)
	}
	return err
}
