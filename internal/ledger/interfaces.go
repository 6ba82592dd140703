package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Client abstracts the distributed ledger the remittance contract lives on.
type Client interface {
	// SubmitCall signs and broadcasts a contract call. It returns once the call is
	// accepted into the pending pool, or a *RejectionError if it never got there.
	SubmitCall(ctx context.Context, call Call) (CallHandle, error)
	// WaitForReceipt blocks until the ledger reports a terminal outcome for handle.
	WaitForReceipt(ctx context.Context, handle CallHandle) (Receipt, error)
	// ReadState runs a view call and returns the decoded outputs.
	ReadState(ctx context.Context, call ReadCall) ([]any, error)
}

// HealthChecker is implemented by clients that can ping their RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// CallHandle identifies a call accepted into the pending pool (a transaction hash).
type CallHandle string

type Call struct {
	Contract string
	From     string // account the call is made on behalf of
	Method   string
	Args     []any
	Value    *big.Int // wei attached to the call, may be nil
}

type ReadCall struct {
	Contract string
	Method   string
	Args     []any
}

type ReceiptStatus string

const (
	ReceiptSuccess ReceiptStatus = "success"
	ReceiptFailure ReceiptStatus = "failure"
)

type Receipt struct {
	Handle      CallHandle
	Status      ReceiptStatus
	Timestamp   time.Time
	BlockNumber uint64
	GasUsed     uint64
	ErrorDetail string
}

// RejectionReason classifies why a call never reached the pending pool.
type RejectionReason string

const (
	ReasonInsufficientFunds  RejectionReason = "InsufficientFunds"
	ReasonSignatureRejected  RejectionReason = "SignatureRejected"
	ReasonUserCancelled      RejectionReason = "UserCancelled"
	ReasonMalformedArguments RejectionReason = "MalformedArguments"
	ReasonRejected           RejectionReason = "Rejected"
)

// RejectionError is returned by SubmitCall when the ledger declines a call.
type RejectionError struct {
	Reason RejectionReason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Reject builds a *RejectionError.
func Reject(reason RejectionReason, detail string) error {
	return &RejectionError{Reason: reason, Detail: detail}
}

// AsRejection reports whether err carries a rejection and returns it.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
