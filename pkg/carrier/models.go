package carrier

import "time"

// MassUnit represents weight measurement unit.
type MassUnit string

const (
	MassKG MassUnit = "kg"
	MassLB MassUnit = "lb"
	MassG  MassUnit = "g"
	MassOZ MassUnit = "oz"
)

// DistanceUnit represents dimension measurement unit.
type DistanceUnit string

const (
	DistanceCM DistanceUnit = "cm"
	DistanceIN DistanceUnit = "in"
)

// TrackingState is the high level state of a purchased shipment as reported
// by the integration.
type TrackingState string

const (
	TrackingUnknown   TrackingState = "UNKNOWN"
	TrackingTransit   TrackingState = "TRANSIT"
	TrackingDelivered TrackingState = "DELIVERED"
	TrackingFailure   TrackingState = "FAILURE"
	TrackingReturned  TrackingState = "RETURNED"
)

// Address represents a shipping address.
type Address struct {
	FullName   string `json:"full_name"`
	Company    string `json:"company,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"` // ISO 3166-1 alpha-2
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Commercial bool   `json:"commercial"`
}

// Parcel represents the box a merchant's items ship in.
type Parcel struct {
	Width        float64      `json:"width"`
	Length       float64      `json:"length"`
	Height       float64      `json:"height"`
	Weight       float64      `json:"weight"`
	MassUnit     MassUnit     `json:"mass_unit,omitempty"`
	DistanceUnit DistanceUnit `json:"distance_unit,omitempty"`
}

// Volume is width × length × height.
func (p Parcel) Volume() float64 {
	return p.Width * p.Length * p.Height
}

// Credentials authenticate a merchant against an integration.
type Credentials struct {
	APIKey string
}

// CarrierAccount is a carrier account owned by the upstream platform.
type CarrierAccount struct {
	ID      string `json:"id"`
	Carrier string `json:"carrier"`
	Active  bool   `json:"active"`
}

// QuoteRequest is the normalized input for a rate request.
type QuoteRequest struct {
	MerchantID      string
	Origin          Address
	Destination     Address
	Parcel          Parcel
	CarrierAccounts []string
}

// RateOffer is a raw rate returned by an integration. Amount is kept as the
// upstream string so callers can parse it as a decimal.
type RateOffer struct {
	RateID            string
	CarrierAccountID  string
	Carrier           string
	ServiceLevelName  string
	ServiceLevelToken string
	Amount            string
	Currency          string
	EstimatedDays     int
}

// Transaction is a purchased rate.
type Transaction struct {
	ID             string
	State          string
	TrackingNumber string
	LabelURL       string
	TrackingStatus *TrackingStatus
}

// TrackingStatus is the latest tracking state of a transaction.
type TrackingStatus struct {
	Status TrackingState
	Date   time.Time
}
