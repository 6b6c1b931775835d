package llmbroker

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Sentinel errors.
var (
	ErrLedgerRead             = errors.New("llmbroker: ledger read failed")
	ErrLedgerWrite            = errors.New("llmbroker: ledger write rejected")
	ErrWriteUnconfirmed       = errors.New("llmbroker: ledger write submitted but not confirmed")
	ErrInsufficientFunds      = errors.New("llmbroker: insufficient funds")
	ErrInvalidStateTransition = errors.New("llmbroker: invalid agreement state transition")
	ErrTransport              = errors.New("llmbroker: endpoint transport failed")
	ErrKeyGeneration          = errors.New("llmbroker: key generation failed")
	ErrNoCandidates           = errors.New("llmbroker: no candidate servers")
	ErrNoAgreement            = errors.New("llmbroker: no agreement")
	ErrDuplicateRequest       = errors.New("llmbroker: duplicate idempotency key")
	ErrUnauthorized           = errors.New("llmbroker: request not authorized")
	ErrInsufficientBalance    = errors.New("llmbroker: agreement balance too low")
	ErrInvalidConfig          = errors.New("llmbroker: invalid config")
)

// OpError wraps an error with the operation and contract address it failed on.
type OpError struct {
	Op      string
	Address common.Address
	Err     error
}

func (e *OpError) Error() string {
	if e.Address == (common.Address{}) {
		return fmt.Sprintf("llmbroker: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("llmbroker: %s %s: %v", e.Op, e.Address.Hex(), e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// TransportError describes a failed call to an inference endpoint.
// StatusCode is zero when the endpoint was unreachable.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("llmbroker: endpoint %s unreachable: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("llmbroker: endpoint %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Unwrap exposes ErrTransport along with any more specific cause.
func (e *TransportError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTransport, e.Err}
	}
	return []error{ErrTransport}
}

func opErr(op string, addr common.Address, err error) error {
	return &OpError{Op: op, Address: addr, Err: err}
}

// readErr marks err as a failed ledger read unless it is already classified.
func readErr(op string, addr common.Address, err error) error {
	if errors.Is(err, ErrLedgerRead) {
		return opErr(op, addr, err)
	}
	return opErr(op, addr, fmt.Errorf("%w: %w", ErrLedgerRead, err))
}

// writeErr marks err as a rejected ledger write unless it is already classified.
func writeErr(op string, addr common.Address, err error) error {
	if errors.Is(err, ErrLedgerWrite) || errors.Is(err, ErrWriteUnconfirmed) ||
		errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInvalidStateTransition) {
		return opErr(op, addr, err)
	}
	return opErr(op, addr, fmt.Errorf("%w: %w", ErrLedgerWrite, err))
}

// IsRetrySafe returns true for transient failures that did not change ledger
// state: ledger reads, unreachable endpoints, and 429/5xx endpoint replies.
func IsRetrySafe(err error) bool {
	if IsUnsafeToRetry(err) {
		return false
	}
	if errors.Is(err, ErrLedgerRead) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode == 0 || te.StatusCode == 429 || te.StatusCode >= 500
	}
	return false
}

// IsUnsafeToRetry returns true if the error came from a state-changing write
// whose outcome is unknown. Resubmitting such a call may duplicate escrow.
func IsUnsafeToRetry(err error) bool {
	return errors.Is(err, ErrWriteUnconfirmed)
}
