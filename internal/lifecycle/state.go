package lifecycle

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"homeward/internal/remittance"
)

type State string

const (
	StateDraft               State = "draft"
	StateSubmitting          State = "submitting"
	StatePendingConfirmation State = "pending_confirmation"
	StateConfirmed           State = "confirmed"
	StateFailed              State = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

var transitions = map[State][]State{
	StateDraft:               {StateSubmitting},
	StateSubmitting:          {StatePendingConfirmation, StateFailed},
	StatePendingConfirmation: {StateConfirmed, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Failure reasons the manager itself assigns. Ledger rejections use the
// ledger's own reason strings.
const (
	ReasonUserCancelled  = "UserCancelled"
	ReasonShutdown       = "ShutdownBeforeAcceptance"
	ReasonReceiptTimeout = "ReceiptTimeout"
	ReasonCallReverted   = "CallReverted"
)

// Operation is the contract call a transaction carries.
type Operation string

const (
	OperationCreate   Operation = "create-remittance"
	OperationComplete Operation = "complete-transaction"
)

type FailureKind string

const (
	FailureRejection FailureKind = "rejection"
	FailureReceipt   FailureKind = "receipt"
)

// Draft is a validated request that has not been submitted yet. Its ID is what
// makes a repeated Submit a no-op.
type Draft struct {
	ID      string
	Request remittance.ValidatedRequest
}

func NewDraft(req remittance.ValidatedRequest) Draft {
	return Draft{ID: uuid.NewString(), Request: req}
}

// DraftWithID uses a caller-chosen identity, such as an idempotency key.
func DraftWithID(id string, req remittance.ValidatedRequest) Draft {
	return Draft{ID: id, Request: req}
}

// Snapshot is an immutable copy of a transaction at one point of its lifecycle.
// For a completion, LedgerTxID names the contract's transfer and Caller the
// account the call is sent from.
type Snapshot struct {
	RequestID          string             `json:"requestId"`
	DraftID            string             `json:"draftId"`
	Operation          Operation          `json:"operation"`
	State              State              `json:"state"`
	Sequence           int                `json:"sequence"`
	LedgerCallHandle   string             `json:"ledgerCallHandle,omitempty"`
	Amount             decimal.Decimal    `json:"amount"`
	FeeEstimate        decimal.Decimal    `json:"feeEstimate"`
	SenderAddress      string             `json:"senderAddress"`
	RecipientAddress   string             `json:"recipientAddress"`
	RecipientName      string             `json:"recipientName"`
	OriginCountry      string             `json:"originCountry"`
	DestinationCountry string             `json:"destinationCountry"`
	Purpose            remittance.Purpose `json:"purpose,omitempty"`
	LedgerTxID         string             `json:"ledgerTxId,omitempty"`
	Caller             string             `json:"caller,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
	ConfirmedAt        *time.Time         `json:"confirmedAt,omitempty"`
	BlockNumber        uint64             `json:"blockNumber,omitempty"`
	LastError          string             `json:"lastError,omitempty"`
	ErrorDetail        string             `json:"errorDetail,omitempty"`
	FailureKind        FailureKind        `json:"failureKind,omitempty"`
}

// Accounts returns the ledger accounts the transaction touches. For a
// completion these are the sender and recipient of the completed transfer.
func (s Snapshot) Accounts() []string {
	return []string{s.SenderAddress, s.RecipientAddress}
}

type EventKind string

const (
	EventTransition EventKind = "transition"
	// EventPending is a heartbeat while a receipt is outstanding; the state does not change.
	EventPending EventKind = "pending"
)

type Event struct {
	Kind     EventKind `json:"kind"`
	From     State     `json:"from,omitempty"`
	Snapshot Snapshot  `json:"snapshot"`
	At       time.Time `json:"at"`
}
