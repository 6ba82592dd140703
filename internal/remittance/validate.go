package remittance

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Code identifies a violated validation rule.
type Code string

const (
	CodeInvalidAmount        Code = "InvalidAmount"
	CodeInvalidRecipient     Code = "InvalidRecipient"
	CodeMissingRecipientName Code = "MissingRecipientName"
	CodeUnsupportedCountry   Code = "UnsupportedCountry"
	CodeInvalidPurpose       Code = "InvalidPurpose"
	CodeWalletNotConnected   Code = "WalletNotConnected"
)

type ValidationError struct {
	Code    Code   `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every rule a request broke.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "invalid remittance request: " + strings.Join(msgs, "; ")
}

// Codes returns the violated rule codes in the order they were found.
func (e ValidationErrors) Codes() []Code {
	out := make([]Code, len(e))
	for i, v := range e {
		out[i] = v.Code
	}
	return out
}

// Has reports whether code is among the violations.
func (e ValidationErrors) Has(code Code) bool {
	for _, v := range e {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Validator checks requests against the ledger's amount precision.
type Validator struct {
	Decimals int32
}

// Validate checks req with the default ledger precision.
func Validate(req Request) (ValidatedRequest, error) {
	return Validator{Decimals: DefaultDecimals}.Validate(req)
}

// Validate normalizes req and checks every rule. It never stops at the first
// violation; the returned error is ValidationErrors.
func (v Validator) Validate(req Request) (ValidatedRequest, error) {
	var errs ValidationErrors
	add := func(code Code, field, msg string) {
		errs = append(errs, ValidationError{Code: code, Field: field, Message: msg})
	}

	out := ValidatedRequest{
		RecipientName:      strings.TrimSpace(req.RecipientName),
		OriginCountry:      strings.ToUpper(strings.TrimSpace(req.OriginCountry)),
		DestinationCountry: strings.ToUpper(strings.TrimSpace(req.DestinationCountry)),
		Purpose:            Purpose(strings.ToLower(strings.TrimSpace(string(req.Purpose)))),
	}

	amountRaw := strings.TrimSpace(req.Amount)
	switch amount, err := decimal.NewFromString(amountRaw); {
	case amountRaw == "":
		add(CodeInvalidAmount, "amount", "amount is required")
	case err != nil:
		add(CodeInvalidAmount, "amount", "amount must be a decimal number")
	case !amount.IsPositive():
		add(CodeInvalidAmount, "amount", "amount must be greater than zero")
	case !amount.Round(v.Decimals).Equal(amount):
		add(CodeInvalidAmount, "amount", fmt.Sprintf("amount has more than %d decimal places", v.Decimals))
	default:
		out.Amount = amount
	}

	recipient := strings.TrimSpace(req.RecipientAddress)
	switch {
	case recipient == "":
		add(CodeInvalidRecipient, "recipientAddress", "recipient address is required")
	case !common.IsHexAddress(recipient):
		add(CodeInvalidRecipient, "recipientAddress", "recipient address is not a valid ledger address")
	default:
		out.RecipientAddress = common.HexToAddress(recipient).Hex()
	}

	if out.RecipientName == "" {
		add(CodeMissingRecipientName, "recipientName", "recipient name is required")
	}

	if !IsSupportedCountry(out.OriginCountry) {
		add(CodeUnsupportedCountry, "originCountry", fmt.Sprintf("origin country %q is not supported", out.OriginCountry))
	}
	if !IsSupportedCountry(out.DestinationCountry) {
		add(CodeUnsupportedCountry, "destinationCountry", fmt.Sprintf("destination country %q is not supported", out.DestinationCountry))
	}

	if _, ok := purposes[out.Purpose]; !ok {
		add(CodeInvalidPurpose, "purpose", fmt.Sprintf("purpose %q is not recognised", out.Purpose))
	}

	sender := strings.TrimSpace(req.SenderAddress)
	if sender == "" || !common.IsHexAddress(sender) {
		add(CodeWalletNotConnected, "senderAddress", "connect a wallet to send money")
	} else {
		out.SenderAddress = common.HexToAddress(sender).Hex()
	}

	if len(errs) > 0 {
		return ValidatedRequest{}, errs
	}
	out.validated = true
	return out, nil
}
