/**
 * @description
 * Error taxonomy for the settlement engine. The reconciler is the only
 * component allowed to translate a retryable failure into backoff scheduling;
 * everything else returns these errors to its caller unchanged.
 *
 * Permanent: ErrInvalidTransition, ErrAmountExceedsAuthorization,
 * ErrAmountMismatch, ErrActiveTransferExists.
 * Retryable: ErrPreconditionNotMet, ErrTransientGateway, ErrFinancialHold.
 */

package app

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a booking or deposit state change
	// violates the state machine. Permanent; never retried.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAmountExceedsAuthorization is returned when a capture exceeds the
	// authorized deposit amount, or a refund exceeds the captured amount.
	ErrAmountExceedsAuthorization = errors.New("amount exceeds authorization")

	// ErrAmountMismatch is returned when a gateway notification carries an
	// amount inconsistent with the persisted record.
	ErrAmountMismatch = errors.New("amount mismatch")

	// ErrActiveTransferExists is returned when a second non-reversed transfer
	// is attempted for a booking.
	ErrActiveTransferExists = errors.New("an active transfer already exists for this booking")

	// ErrPreconditionNotMet marks an out-of-order event whose preconditions
	// are not yet satisfied. Retryable; distinct from gateway errors only for
	// observability.
	ErrPreconditionNotMet = errors.New("precondition not yet met")

	// ErrTransientGateway marks a timeout or 5xx from an outbound gateway
	// call. Retryable. A timeout is never treated as a definitive negative.
	ErrTransientGateway = errors.New("transient gateway error")

	// ErrFinancialHold blocks settlement mutation of a booking whose ledger
	// failed an integrity check; manual reconciliation required.
	ErrFinancialHold = errors.New("booking financial fields are on integrity hold")

	// ErrIntegrityViolation is raised when a persisted fee/net/total triple is
	// arithmetically inconsistent. Fatal for the booking's financial fields.
	ErrIntegrityViolation = errors.New("ledger integrity violation")
)

// InvalidTransitionError carries the offending transition for audit logs and
// API reason codes. It unwraps to ErrInvalidTransition.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition from %q to %q", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// IsRetryable reports whether an error should drive backoff scheduling
// rather than being rejected permanently. A financial hold is retryable so
// that the event lands in dead-letter for the same operator who must clear
// the hold, instead of being silently acknowledged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPreconditionNotMet) ||
		errors.Is(err, ErrTransientGateway) ||
		errors.Is(err, ErrFinancialHold)
}
