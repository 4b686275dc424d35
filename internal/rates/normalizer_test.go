package rates

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/cartship/internal/shipping"
	"github.com/tournevent/cartship/pkg/carrier"
)

func TestNormalize(t *testing.T) {
	offers := []carrier.RateOffer{
		{RateID: "r1", CarrierAccountID: "A", Carrier: "usps", ServiceLevelName: "Priority", Amount: "7.10", Currency: "USD"},
		{RateID: "r2", CarrierAccountID: "B", Carrier: "ups", ServiceLevelName: "Ground", Amount: "9", Currency: "USD"},
	}
	owners := map[string]string{"A": "m1", "B": "m1"}

	quotes, err := Normalize("freightcom", offers, owners)
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	assert.Equal(t, "freightcom", quotes[0].Provider)
	assert.Equal(t, "usps", quotes[0].Carrier)
	assert.Equal(t, "Priority", quotes[0].Label)
	assert.True(t, quotes[0].Amount.Equal(decimal.RequireFromString("7.1")))
	assert.True(t, quotes[0].HandlingFee.IsZero())
	assert.Equal(t, "r1", quotes[0].ProviderRateID)
	assert.Equal(t, "m1", quotes[0].MerchantID)
	assert.Equal(t, "r2", quotes[1].ProviderRateID)
}

func TestNormalize_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		offer   carrier.RateOffer
		wantErr error
	}{
		{
			name:    "non numeric amount",
			offer:   carrier.RateOffer{RateID: "r1", CarrierAccountID: "A", Amount: "twelve"},
			wantErr: shipping.ErrInvalidRateAmount,
		},
		{
			name:    "unknown carrier account",
			offer:   carrier.RateOffer{RateID: "r1", CarrierAccountID: "Z", Amount: "1.00"},
			wantErr: shipping.ErrUnknownCarrierAccount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize("freightcom", []carrier.RateOffer{tt.offer}, map[string]string{"A": "m1"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestNormalize_RemovesDuplicates(t *testing.T) {
	offers := []carrier.RateOffer{
		{RateID: "r1", CarrierAccountID: "A", Carrier: "usps", Amount: "5.00", Currency: "USD"},
		{RateID: "r2", CarrierAccountID: "A", Carrier: "usps", Amount: "6.00", Currency: "USD"},
		{RateID: "r1", CarrierAccountID: "A", Carrier: "usps", Amount: "5.0", Currency: "USD"},
	}

	quotes, err := Normalize("freightcom", offers, map[string]string{"A": "m1"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "r1", quotes[0].ProviderRateID)
	assert.Equal(t, "r2", quotes[1].ProviderRateID)
}

func TestDedupe_Idempotent(t *testing.T) {
	q := func(id, amount string) shipping.RateQuote {
		return shipping.RateQuote{
			Provider:       "freightcom",
			Carrier:        "ups",
			Label:          "Ground",
			Amount:         decimal.RequireFromString(amount),
			Currency:       "CAD",
			ProviderRateID: id,
			MerchantID:     "m1",
		}
	}
	in := []shipping.RateQuote{q("a", "1"), q("b", "2"), q("a", "1.00"), q("c", "3"), q("b", "2")}

	once := Dedupe(in)
	twice := Dedupe(once)

	require.Len(t, once, 3)
	assert.Equal(t, once, twice)
	assert.Equal(t, []string{"a", "b", "c"}, []string{once[0].ProviderRateID, once[1].ProviderRateID, once[2].ProviderRateID})
}

func TestDedupe_Empty(t *testing.T) {
	assert.Empty(t, Dedupe(nil))
}
