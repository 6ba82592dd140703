package remittance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestComputeFee(t *testing.T) {
	cases := map[string]string{
		"1000":  "5",
		"100":   "0.5",
		"0.01":  "0.00005",
		"33.33": "0.16665",
	}
	for amount, want := range cases {
		got := ComputeFee(decimal.RequireFromString(amount), DefaultDecimals)
		assert.True(t, got.Equal(decimal.RequireFromString(want)), "fee(%s) = %s, want %s", amount, got, want)
	}
}

func TestComputeFeeRoundsToLedgerPrecision(t *testing.T) {
	got := ComputeFee(decimal.RequireFromString("1"), 2)
	assert.Equal(t, "0.01", got.StringFixed(2))
}

func TestToBaseUnits(t *testing.T) {
	assert.Equal(t, "1000000000000000000", ToBaseUnits(decimal.RequireFromString("1"), 18).String())
	assert.Equal(t, "500000000000000000", ToBaseUnits(decimal.RequireFromString("0.5"), 18).String())
	assert.Equal(t, "150", ToBaseUnits(decimal.RequireFromString("1.5"), 2).String())
}

func TestCountriesSortedAndSupported(t *testing.T) {
	list := Countries()
	assert.Len(t, list, 8)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Code, list[i].Code)
	}
	assert.True(t, IsSupportedCountry("PH"))
	assert.False(t, IsSupportedCountry("ph"))
}
