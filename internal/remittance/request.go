// Package remittance holds the transfer request model, its validation rules
// and the fee policy applied before anything is sent to the ledger.
package remittance

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Purpose is the declared reason for a transfer.
type Purpose string

const (
	PurposeFamilySupport Purpose = "family-support"
	PurposeEducation     Purpose = "education"
	PurposeMedical       Purpose = "medical"
	PurposeBusiness      Purpose = "business"
	PurposeEmergency     Purpose = "emergency"
	PurposeOther         Purpose = "other"
)

var purposes = map[Purpose]struct{}{
	PurposeFamilySupport: {},
	PurposeEducation:     {},
	PurposeMedical:       {},
	PurposeBusiness:      {},
	PurposeEmergency:     {},
	PurposeOther:         {},
}

// Purposes lists the accepted purposes in display order.
func Purposes() []Purpose {
	return []Purpose{
		PurposeFamilySupport,
		PurposeEducation,
		PurposeMedical,
		PurposeBusiness,
		PurposeEmergency,
		PurposeOther,
	}
}

// Request is the raw transfer intent as entered by a user.
type Request struct {
	Amount             string  `json:"amount"`
	SenderAddress      string  `json:"senderAddress"`
	RecipientAddress   string  `json:"recipientAddress"`
	RecipientName      string  `json:"recipientName"`
	OriginCountry      string  `json:"originCountry"`
	DestinationCountry string  `json:"destinationCountry"`
	Purpose            Purpose `json:"purpose"`
}

// ValidatedRequest is a Request that passed Validate, with normalized fields.
// It can only be produced by Validate.
type ValidatedRequest struct {
	Amount             decimal.Decimal
	SenderAddress      string
	RecipientAddress   string
	RecipientName      string
	OriginCountry      string
	DestinationCountry string
	Purpose            Purpose

	validated bool
}

// Valid reports whether v came out of Validate.
func (v ValidatedRequest) Valid() bool {
	return v.validated
}

// Accounts returns the ledger accounts a transfer touches.
func (v ValidatedRequest) Accounts() []string {
	return []string{v.SenderAddress, v.RecipientAddress}
}

// FeeRate is the fixed platform fee applied to every transfer.
var FeeRate = decimal.RequireFromString("0.005")

// DefaultDecimals matches the native unit precision of EVM ledgers (wei).
const DefaultDecimals int32 = 18

// ComputeFee returns amount × FeeRate rounded half away from zero to the
// ledger's decimal precision. The result is an estimate; the ledger's own fee
// is authoritative.
func ComputeFee(amount decimal.Decimal, decimals int32) decimal.Decimal {
	return amount.Mul(FeeRate).Round(decimals)
}

// ToBaseUnits converts a decimal amount into the ledger's integer unit.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Round(0).BigInt()
}
