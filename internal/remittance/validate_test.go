package remittance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	senderAddr    = "0x1111111111111111111111111111111111111111"
	recipientAddr = "0x2222222222222222222222222222222222222222"
)

func validRequest() Request {
	return Request{
		Amount:             "100",
		SenderAddress:      senderAddr,
		RecipientAddress:   recipientAddr,
		RecipientName:      "Asha Rao",
		OriginCountry:      "US",
		DestinationCountry: "IN",
		Purpose:            PurposeFamilySupport,
	}
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	req := validRequest()
	req.OriginCountry = " us "
	req.Purpose = "Family-Support"
	req.RecipientName = "  Asha Rao "

	got, err := Validate(req)
	require.NoError(t, err)
	assert.True(t, got.Valid())
	assert.Equal(t, "100", got.Amount.String())
	assert.Equal(t, "US", got.OriginCountry)
	assert.Equal(t, PurposeFamilySupport, got.Purpose)
	assert.Equal(t, "Asha Rao", got.RecipientName)
	assert.Equal(t, []string{got.SenderAddress, got.RecipientAddress}, got.Accounts())
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	_, err := Validate(Request{
		Amount:             "-3",
		RecipientAddress:   "not-an-address",
		OriginCountry:      "FR",
		DestinationCountry: "ZZ",
		Purpose:            "gambling",
	})
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, []Code{
		CodeInvalidAmount,
		CodeInvalidRecipient,
		CodeMissingRecipientName,
		CodeUnsupportedCountry,
		CodeUnsupportedCountry,
		CodeInvalidPurpose,
		CodeWalletNotConnected,
	}, verrs.Codes())
}

func TestValidateSingleRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Request)
		want   Code
	}{
		{"missing amount", func(r *Request) { r.Amount = "" }, CodeInvalidAmount},
		{"zero amount", func(r *Request) { r.Amount = "0" }, CodeInvalidAmount},
		{"garbage amount", func(r *Request) { r.Amount = "12abc" }, CodeInvalidAmount},
		{"too precise", func(r *Request) { r.Amount = "0.0000000000000000001" }, CodeInvalidAmount},
		{"missing recipient", func(r *Request) { r.RecipientAddress = "" }, CodeInvalidRecipient},
		{"short recipient", func(r *Request) { r.RecipientAddress = "0x1234" }, CodeInvalidRecipient},
		{"blank name", func(r *Request) { r.RecipientName = "   " }, CodeMissingRecipientName},
		{"unsupported destination", func(r *Request) { r.DestinationCountry = "DE" }, CodeUnsupportedCountry},
		{"unknown purpose", func(r *Request) { r.Purpose = "" }, CodeInvalidPurpose},
		{"no wallet", func(r *Request) { r.SenderAddress = "" }, CodeWalletNotConnected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)

			_, err := Validate(req)
			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.Equal(t, []Code{tc.want}, verrs.Codes())
		})
	}
}

func TestValidatedRequestZeroValueIsNotValid(t *testing.T) {
	assert.False(t, ValidatedRequest{}.Valid())
}

func TestValidateAmountPrecisionIgnoresTrailingZeros(t *testing.T) {
	req := validRequest()
	req.Amount = "1.0000000000000000000000"
	got, err := Validate(req)
	require.NoError(t, err)
	assert.Equal(t, "1", got.Amount.String())
	assert.Equal(t, "1000000000000000000", ToBaseUnits(got.Amount, DefaultDecimals).String())

	req.Amount = "0.000000000000000001"
	_, err = Validate(req)
	require.NoError(t, err, "exactly the ledger precision")

	req.Amount = "0.0000000000000000010"
	_, err = Validate(req)
	require.NoError(t, err)

	req.Amount = "0.0000000000000000001"
	_, err = Validate(req)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, []Code{CodeInvalidAmount}, verrs.Codes())
}
