package services

import (
	"errors"
	"fmt"
)

// Domain errors returned by the lending services. Handlers translate these to
// HTTP responses in the central error handler; services wrap them with
// context via fmt.Errorf("...: %w", err) so errors.Is keeps working.
var (
	// ErrNotFound covers any lookup by id that matches nothing the caller
	// may see.
	ErrNotFound = errors.New("record not found")

	// ErrForbidden: the actor's role or ownership does not permit the
	// operation.
	ErrForbidden = errors.New("operation not permitted for this account")

	// ErrInvalidLoanTerms: principal, duration or rate outside the lending
	// range.
	ErrInvalidLoanTerms = errors.New("invalid loan terms")

	// ErrAmountOutOfRange: requested payment exceeds the remaining balance.
	ErrAmountOutOfRange = errors.New("amount exceeds remaining due")

	// ErrInstallmentPaid: the installment has no remaining balance to pay.
	ErrInstallmentPaid = errors.New("installment already fully paid")

	// ErrDuplicateAuthorization: another live payment already holds the
	// installment.
	ErrDuplicateAuthorization = errors.New("an active payment already exists for this installment")

	// ErrAuthorizationNotReady: the card network has not (or will never)
	// put the payment in a capturable state.
	ErrAuthorizationNotReady = errors.New("card authorization is not ready for capture")

	// ErrInvalidState: the payment is not in the state the transition
	// requires; captured and canceled rows are terminal.
	ErrInvalidState = errors.New("payment state does not allow this operation")

	// ErrAlreadyDecided: the application's decision was already recorded.
	ErrAlreadyDecided = errors.New("application already decided")

	// ErrInvalidUpload: missing file, unsupported extension or a bad
	// destination subdirectory.
	ErrInvalidUpload = errors.New("invalid upload")

	// ErrUploadTooLarge: the streamed upload exceeded the configured limit.
	ErrUploadTooLarge = errors.New("upload exceeds size limit")
)

// ExternalError wraps a failure reported by a collaborator (card gateway,
// AI service, chain RPC, SMTP). The collaborator's message is preserved for
// the caller; local state is never advanced when one of these is returned.
type ExternalError struct {
	Service string
	Err     error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// NewExternalError builds an ExternalError for the named collaborator.
func NewExternalError(service string, err error) *ExternalError {
	return &ExternalError{Service: service, Err: err}
}
