// Package rates aggregates carrier rate quotes for a cart and coordinates
// scoped retries of failed integration queries.
package rates

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tournevent/cartship/internal/shipping"
	"github.com/tournevent/cartship/pkg/carrier"
)

// Normalize converts integration rate offers into RateQuotes. accountOwners
// maps a carrier account id to the merchant owning it. The result is
// deduplicated.
func Normalize(provider string, offers []carrier.RateOffer, accountOwners map[string]string) ([]shipping.RateQuote, error) {
	quotes := make([]shipping.RateQuote, 0, len(offers))
	for _, o := range offers {
		amount, err := decimal.NewFromString(o.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: rate %s amount %q", shipping.ErrInvalidRateAmount, o.RateID, o.Amount)
		}
		merchantID, ok := accountOwners[o.CarrierAccountID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", shipping.ErrUnknownCarrierAccount, o.CarrierAccountID)
		}
		quotes = append(quotes, shipping.RateQuote{
			Provider:       provider,
			Carrier:        o.Carrier,
			Label:          o.ServiceLevelName,
			Amount:         amount,
			Currency:       o.Currency,
			HandlingFee:    decimal.Zero,
			ProviderRateID: o.RateID,
			MerchantID:     merchantID,
		})
	}
	return Dedupe(quotes), nil
}

// Dedupe removes structurally equal quotes, keeping the first occurrence.
// Equal amounts written with different trailing zeros compare equal.
func Dedupe(quotes []shipping.RateQuote) []shipping.RateQuote {
	seen := make(map[string]struct{}, len(quotes))
	out := make([]shipping.RateQuote, 0, len(quotes))
	for _, q := range quotes {
		key := canonicalKey(q)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
	}
	return out
}

func canonicalKey(q shipping.RateQuote) string {
	// decimal.Decimal marshals through String, which drops trailing zeros.
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Sprintf("%#v", q)
	}
	return string(b)
}
