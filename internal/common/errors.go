package common

import "errors"

// Error codes understood by the settlement engine and its callers.
const (
	CodeInvalidSaleState    = "INVALID_SALE_STATE"
	CodeInvalidSelection    = "INVALID_SELECTION"
	CodeInvalidDivisor      = "INVALID_DIVISOR"
	CodeInvalidSplitAmount  = "INVALID_SPLIT_AMOUNT"
	CodeInvalidSplit        = "INVALID_SPLIT"
	CodeSumMismatch         = "SUM_MISMATCH"
	CodeOperationInProgress = "OPERATION_IN_PROGRESS"
	CodeNetworkOrServer     = "NETWORK_OR_SERVER_ERROR"
	CodeViewOnly            = "VIEW_ONLY"
	CodeStaleSnapshot       = "STALE_SNAPSHOT"
	CodeSessionClosed       = "SESSION_CLOSED"
	CodeNotVoidable         = "PAYMENT_NOT_VOIDABLE"
)

var (
	// ErrInvalidSaleState signals a corrupt sale payload; a payment form must not be rendered.
	ErrInvalidSaleState = errors.New("invalid sale state")
	// ErrInvalidSelection is returned for selections of unknown or already paid items.
	ErrInvalidSelection = errors.New("invalid item selection")
	// ErrInvalidDivisor is returned when a divisor falls outside the accepted range.
	ErrInvalidDivisor = errors.New("invalid divisor")
	// ErrInvalidSplitAmount is returned for non-positive or fractional split amounts.
	ErrInvalidSplitAmount = errors.New("invalid split amount")
	// ErrInvalidSplit is returned for splits with a missing account, unknown method or bad tip.
	ErrInvalidSplit = errors.New("invalid split")
	// ErrSumMismatch blocks submission when split amounts do not add up to the expected total.
	ErrSumMismatch = errors.New("split sum does not match expected total")
	// ErrOperationInProgress rejects a mutation while another one is pending for the same sale.
	ErrOperationInProgress = errors.New("operation in progress")
	// ErrNetworkOrServer wraps transport failures and server-side rejections.
	ErrNetworkOrServer = errors.New("network or server error")
	// ErrViewOnly rejects mutations on fully paid or canceled sales.
	ErrViewOnly = errors.New("sale is view only")
	// ErrStaleSnapshot requires a reload after the server rejected a mutation.
	ErrStaleSnapshot = errors.New("snapshot is stale")
	// ErrSessionClosed is returned when a result arrives for a session that no longer exists.
	ErrSessionClosed = errors.New("payment session closed")
	// ErrNotVoidable is returned for unknown or already voided payment records.
	ErrNotVoidable = errors.New("payment cannot be voided")
)

var sentinelByCode = map[string]error{
	CodeInvalidSaleState:    ErrInvalidSaleState,
	CodeInvalidSelection:    ErrInvalidSelection,
	CodeInvalidDivisor:      ErrInvalidDivisor,
	CodeInvalidSplitAmount:  ErrInvalidSplitAmount,
	CodeInvalidSplit:        ErrInvalidSplit,
	CodeSumMismatch:         ErrSumMismatch,
	CodeOperationInProgress: ErrOperationInProgress,
	CodeNetworkOrServer:     ErrNetworkOrServer,
	CodeViewOnly:            ErrViewOnly,
	CodeStaleSnapshot:       ErrStaleSnapshot,
	CodeSessionClosed:       ErrSessionClosed,
	CodeNotVoidable:         ErrNotVoidable,
}

// AppError represents an error with an attached code. Status carries the
// upstream HTTP status when the error originated from the sale API.
type AppError struct {
	Code    string
	Message string
	Status  int
	Err     error
	Details any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel registered for the error code so that callers can
// use errors.Is even when Err carries a more specific cause.
func (e *AppError) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := sentinelByCode[e.Code]
	return ok && sentinel == target
}

// Rejected reports whether the server answered and refused the request, as
// opposed to a transport failure with an unknown outcome.
func (e *AppError) Rejected() bool {
	return e != nil && e.Status >= 400 && e.Status < 500
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// InvalidSaleState builds an INVALID_SALE_STATE error.
func InvalidSaleState(message string) *AppError {
	return NewAppError(CodeInvalidSaleState, message, ErrInvalidSaleState)
}

// InvalidSelection builds an INVALID_SELECTION error.
func InvalidSelection(message string) *AppError {
	return NewAppError(CodeInvalidSelection, message, ErrInvalidSelection)
}

// InvalidSplitAmount builds an INVALID_SPLIT_AMOUNT error.
func InvalidSplitAmount(message string) *AppError {
	return NewAppError(CodeInvalidSplitAmount, message, ErrInvalidSplitAmount)
}

// InvalidDivisor builds an INVALID_DIVISOR error.
func InvalidDivisor(message string) *AppError {
	return NewAppError(CodeInvalidDivisor, message, ErrInvalidDivisor)
}

// OperationInProgress builds an OPERATION_IN_PROGRESS error for the given sale.
func OperationInProgress(saleID string) *AppError {
	return &AppError{
		Code:    CodeOperationInProgress,
		Message: "another payment operation is in progress for sale " + saleID,
		Err:     ErrOperationInProgress,
	}
}

// ViewOnly rejects a mutation on a sale that no longer accepts payments.
func ViewOnly(saleID string) *AppError {
	return NewAppError(CodeViewOnly, "sale "+saleID+" is fully paid or closed", ErrViewOnly)
}

// StaleSnapshot asks for a reload before another mutation of the sale.
func StaleSnapshot(saleID string) *AppError {
	return NewAppError(CodeStaleSnapshot, "sale "+saleID+" changed on the server, reload before retrying", ErrStaleSnapshot)
}

// SessionClosed reports a call on, or a result for, a closed payment session.
func SessionClosed(sessionID string) *AppError {
	return NewAppError(CodeSessionClosed, "payment session "+sessionID+" is closed", ErrSessionClosed)
}

// NotVoidable rejects a void of an unknown or inactive payment record.
func NotVoidable(message string) *AppError {
	return NewAppError(CodeNotVoidable, message, ErrNotVoidable)
}

// ServerError wraps an upstream failure. The server message is kept verbatim
// when one is available; otherwise a generic message is used.
func ServerError(status int, message string, err error) *AppError {
	if message == "" {
		message = "payment service unavailable, please try again"
	}
	if err == nil {
		err = ErrNetworkOrServer
	}
	return &AppError{Code: CodeNetworkOrServer, Message: message, Status: status, Err: err}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// CodeOf returns the AppError code carried by err, or an empty string.
func CodeOf(err error) string {
	var target *AppError
	if errors.As(err, &target) {
		return target.Code
	}
	return ""
}
