package shipping

import (
	"errors"

	"github.com/tournevent/cartship/pkg/carrier"
)

var (
	// ErrUnauthorized indicates the actor may not act on the cart or merchant.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrEmptyCart indicates the cart has no items for the merchant.
	ErrEmptyCart = errors.New("cart has no items for merchant")

	// ErrNoParcelAvailable indicates no item of the merchant declares a parcel.
	ErrNoParcelAvailable = errors.New("no parcel available for merchant items")

	// ErrMissingCredentials indicates the merchant has no API credentials for the integration.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrIncompleteShippingAddress indicates the cart carries no shipping address.
	ErrIncompleteShippingAddress = errors.New("shipping address missing or incomplete")

	// ErrProviderTransport indicates the integration call failed or timed out.
	ErrProviderTransport = errors.New("provider transport error")

	// ErrNoRatesAvailable indicates the integration returned no rate options.
	ErrNoRatesAvailable = errors.New("no rates available")

	// ErrProviderRetryExhausted indicates a retried provider query failed again.
	ErrProviderRetryExhausted = errors.New("provider retry exhausted")

	// ErrUnknownCarrierAccount indicates a rate references an account no merchant owns.
	ErrUnknownCarrierAccount = errors.New("unknown carrier account")

	// ErrInvalidRateAmount indicates a rate amount is not a decimal number.
	ErrInvalidRateAmount = errors.New("invalid rate amount")

	// ErrNoValidShippingMethod indicates the order has no selected rate for the merchant.
	ErrNoValidShippingMethod = errors.New("no valid shipping method")

	// ErrAlreadyConfirmed indicates a transaction was already purchased for the shipment.
	ErrAlreadyConfirmed = errors.New("shipment already confirmed")

	// ErrReconciliationWrite indicates the provider diff could not be applied.
	ErrReconciliationWrite = errors.New("reconciliation write failure")

	// ErrNotFound indicates a record does not exist.
	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether a quote failure may be retried once.
// Configuration errors and exhausted retries never are.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrProviderRetryExhausted) {
		return false
	}
	return errors.Is(err, ErrProviderTransport) || errors.Is(err, ErrNoRatesAvailable) || carrier.IsRetryable(err)
}

// IsPermanent reports whether retrying the operation that returned err
// cannot succeed without a change of state or configuration.
func IsPermanent(err error) bool {
	for _, target := range []error{
		ErrUnauthorized, ErrMissingCredentials, ErrAlreadyConfirmed, ErrNoValidShippingMethod,
		ErrEmptyCart, ErrNoParcelAvailable, ErrIncompleteShippingAddress, ErrNotFound,
		carrier.ErrIntegrationNotFound, carrier.ErrAuthenticationFailed, carrier.ErrRateNotFound, carrier.ErrTransactionNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
