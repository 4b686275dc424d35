package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tournevent/cartship/internal/shipping"
	"github.com/tournevent/cartship/pkg/carrier"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type cartRow struct {
	ID              string           `gorm:"column:id;primaryKey"`
	UserID          string           `gorm:"column:user_id;not null;index"`
	Email           string           `gorm:"column:email"`
	ShippingAddress *carrier.Address `gorm:"column:shipping_address;serializer:json"`
	Items           []cartItemRow    `gorm:"foreignKey:CartID"`
}

func (cartRow) TableName() string { return "carts" }

type cartItemRow struct {
	ID         string          `gorm:"column:id;primaryKey"`
	CartID     string          `gorm:"column:cart_id;not null;index"`
	MerchantID string          `gorm:"column:merchant_id;not null"`
	ProductID  string          `gorm:"column:product_id"`
	Quantity   int             `gorm:"column:quantity;not null;default:1"`
	Parcel     *carrier.Parcel `gorm:"column:parcel;serializer:json"`
}

func (cartItemRow) TableName() string { return "cart_items" }

type merchantRow struct {
	ID           string           `gorm:"column:id;primaryKey"`
	Name         string           `gorm:"column:name"`
	Address      *carrier.Address `gorm:"column:address;serializer:json"`
	Email        string           `gorm:"column:email"`
	MassUnit     string           `gorm:"column:mass_unit"`
	DistanceUnit string           `gorm:"column:distance_unit"`
}

func (merchantRow) TableName() string { return "merchants" }

type credentialRow struct {
	MerchantID  string    `gorm:"column:merchant_id;primaryKey"`
	Integration string    `gorm:"column:integration;primaryKey"`
	APIKey      string    `gorm:"column:api_key;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (credentialRow) TableName() string { return "carrier_credentials" }

type providerRow struct {
	ID               string    `gorm:"column:id;primaryKey"`
	MerchantID       string    `gorm:"column:merchant_id;not null;uniqueIndex:idx_provider_account"`
	CarrierAccountID string    `gorm:"column:carrier_account_id;not null;uniqueIndex:idx_provider_account"`
	Integration      string    `gorm:"column:integration;not null;index"`
	CarrierName      string    `gorm:"column:carrier_name;not null"`
	Label            string    `gorm:"column:label;not null"`
	Enabled          bool      `gorm:"column:enabled;not null;default:true"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (providerRow) TableName() string { return "shipping_providers" }

type shipmentRow struct {
	ID                 string              `gorm:"column:id;primaryKey"`
	OrderID            string              `gorm:"column:order_id;not null;index"`
	MerchantID         string              `gorm:"column:merchant_id;not null;index"`
	ChosenRate         *shipping.RateQuote `gorm:"column:chosen_rate;serializer:json"`
	TrackingNumber     string              `gorm:"column:tracking_number"`
	LabelURL           string              `gorm:"column:label_url"`
	TransactionID      string              `gorm:"column:transaction_id"`
	TrackingStatus     string              `gorm:"column:tracking_status"`
	TrackingStatusDate *time.Time          `gorm:"column:tracking_status_date"`
	Shipped            bool                `gorm:"column:shipped;not null;default:false"`
	Delivered          bool                `gorm:"column:delivered;not null;default:false"`
}

func (shipmentRow) TableName() string { return "order_shipments" }

type membershipRow struct {
	UserID     string `gorm:"column:user_id;primaryKey"`
	MerchantID string `gorm:"column:merchant_id;primaryKey"`
	Role       string `gorm:"column:role;primaryKey"`
}

func (membershipRow) TableName() string { return "merchant_memberships" }

// GormStore implements Store on top of GORM.
type GormStore struct {
	db *gorm.DB
}

// Open connects to the database. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	return db, nil
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&cartRow{}, &cartItemRow{}, &merchantRow{}, &credentialRow{},
		&providerRow{}, &shipmentRow{}, &membershipRow{},
	)
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, shipping.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *GormStore) GetCart(ctx context.Context, cartID string) (*shipping.Cart, error) {
	var row cartRow
	if err := s.db.WithContext(ctx).Preload("Items").First(&row, "id = ?", cartID).Error; err != nil {
		return nil, notFound(err, "cart "+cartID)
	}
	cart := &shipping.Cart{
		ID:              row.ID,
		UserID:          row.UserID,
		Email:           row.Email,
		ShippingAddress: row.ShippingAddress,
		Items:           make([]shipping.CartItem, len(row.Items)),
	}
	for i, it := range row.Items {
		cart.Items[i] = shipping.CartItem{
			ID:         it.ID,
			MerchantID: it.MerchantID,
			ProductID:  it.ProductID,
			Quantity:   it.Quantity,
			Parcel:     it.Parcel,
		}
	}
	return cart, nil
}

// SaveCart inserts or replaces a cart and its items.
func (s *GormStore) SaveCart(ctx context.Context, cart shipping.Cart) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := cartRow{ID: cart.ID, UserID: cart.UserID, Email: cart.Email, ShippingAddress: cart.ShippingAddress}
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		if err := tx.Where("cart_id = ?", cart.ID).Delete(&cartItemRow{}).Error; err != nil {
			return err
		}
		if len(cart.Items) == 0 {
			return nil
		}
		items := make([]cartItemRow, len(cart.Items))
		for i, it := range cart.Items {
			id := it.ID
			if id == "" {
				id = uuid.NewString()
			}
			items[i] = cartItemRow{ID: id, CartID: cart.ID, MerchantID: it.MerchantID, ProductID: it.ProductID, Quantity: it.Quantity, Parcel: it.Parcel}
		}
		return tx.Create(&items).Error
	})
}

func (s *GormStore) GetMerchant(ctx context.Context, merchantID string) (*shipping.Merchant, error) {
	var row merchantRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", merchantID).Error; err != nil {
		return nil, notFound(err, "merchant "+merchantID)
	}
	return &shipping.Merchant{
		ID:           row.ID,
		Name:         row.Name,
		Address:      row.Address,
		Email:        row.Email,
		MassUnit:     carrier.MassUnit(row.MassUnit),
		DistanceUnit: carrier.DistanceUnit(row.DistanceUnit),
	}, nil
}

// SaveMerchant inserts or replaces a merchant profile.
func (s *GormStore) SaveMerchant(ctx context.Context, m shipping.Merchant) error {
	row := merchantRow{
		ID:           m.ID,
		Name:         m.Name,
		Address:      m.Address,
		Email:        m.Email,
		MassUnit:     string(m.MassUnit),
		DistanceUnit: string(m.DistanceUnit),
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *GormStore) GetCredentials(ctx context.Context, merchantID, integration string) (*shipping.Credentials, error) {
	var row credentialRow
	err := s.db.WithContext(ctx).
		First(&row, "merchant_id = ? AND integration = ?", merchantID, integration).Error
	if err != nil {
		return nil, notFound(err, "credentials "+merchantID+"/"+integration)
	}
	return &shipping.Credentials{MerchantID: row.MerchantID, Integration: row.Integration, APIKey: row.APIKey}, nil
}

func (s *GormStore) SaveCredentials(ctx context.Context, creds shipping.Credentials) error {
	row := credentialRow{MerchantID: creds.MerchantID, Integration: creds.Integration, APIKey: creds.APIKey}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *GormStore) DeleteCredentials(ctx context.Context, merchantID, integration string) error {
	return s.db.WithContext(ctx).
		Where("merchant_id = ? AND integration = ?", merchantID, integration).
		Delete(&credentialRow{}).Error
}

func (s *GormStore) ListProviders(ctx context.Context, merchantID, integration string) ([]shipping.ShippingProvider, error) {
	q := s.db.WithContext(ctx).Where("merchant_id = ?", merchantID)
	if integration != "" {
		q = q.Where("integration = ?", integration)
	}
	var rows []providerRow
	if err := q.Order("carrier_account_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	result := make([]shipping.ShippingProvider, len(rows))
	for i, r := range rows {
		result[i] = shipping.ShippingProvider{
			ID:               r.ID,
			MerchantID:       r.MerchantID,
			Integration:      r.Integration,
			CarrierName:      r.CarrierName,
			Label:            r.Label,
			CarrierAccountID: r.CarrierAccountID,
			Enabled:          r.Enabled,
		}
	}
	return result, nil
}

func (s *GormStore) ApplyProviderDiff(ctx context.Context, merchantID, integration string, remove []string, add []shipping.ShippingProvider) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(remove) > 0 {
			err := tx.Where("merchant_id = ? AND integration = ? AND carrier_account_id IN ?", merchantID, integration, remove).
				Delete(&providerRow{}).Error
			if err != nil {
				return fmt.Errorf("removing providers: %w", err)
			}
		}
		if len(add) == 0 {
			return nil
		}
		rows := make([]providerRow, len(add))
		for i, p := range add {
			id := p.ID
			if id == "" {
				id = uuid.NewString()
			}
			rows[i] = providerRow{
				ID:               id,
				MerchantID:       p.MerchantID,
				CarrierAccountID: p.CarrierAccountID,
				Integration:      p.Integration,
				CarrierName:      p.CarrierName,
				Label:            p.Label,
				Enabled:          p.Enabled,
			}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("inserting providers: %w", err)
		}
		return nil
	})
}

func (s *GormStore) RemoveProviders(ctx context.Context, merchantID, integration string) (int64, error) {
	q := s.db.WithContext(ctx).Where("merchant_id = ?", merchantID)
	if integration != "" {
		q = q.Where("integration = ?", integration)
	}
	res := q.Delete(&providerRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("removing providers: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func shipmentFromRow(r shipmentRow) shipping.ShipmentRecord {
	return shipping.ShipmentRecord{
		ID:                 r.ID,
		OrderID:            r.OrderID,
		MerchantID:         r.MerchantID,
		ChosenRate:         r.ChosenRate,
		TrackingNumber:     r.TrackingNumber,
		LabelURL:           r.LabelURL,
		TransactionID:      r.TransactionID,
		TrackingStatus:     r.TrackingStatus,
		TrackingStatusDate: r.TrackingStatusDate,
		Shipped:            r.Shipped,
		Delivered:          r.Delivered,
	}
}

// SaveShipment inserts or replaces a shipment record.
func (s *GormStore) SaveShipment(ctx context.Context, rec shipping.ShipmentRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := shipmentRow{
		ID:                 rec.ID,
		OrderID:            rec.OrderID,
		MerchantID:         rec.MerchantID,
		ChosenRate:         rec.ChosenRate,
		TrackingNumber:     rec.TrackingNumber,
		LabelURL:           rec.LabelURL,
		TransactionID:      rec.TransactionID,
		TrackingStatus:     rec.TrackingStatus,
		TrackingStatusDate: rec.TrackingStatusDate,
		Shipped:            rec.Shipped,
		Delivered:          rec.Delivered,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *GormStore) ListShipments(ctx context.Context, orderID string) ([]shipping.ShipmentRecord, error) {
	var rows []shipmentRow
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing shipments: %w", err)
	}
	result := make([]shipping.ShipmentRecord, len(rows))
	for i, r := range rows {
		result[i] = shipmentFromRow(r)
	}
	return result, nil
}

func (s *GormStore) FindPendingShipments(ctx context.Context, merchantID string) ([]shipping.ShipmentRecord, error) {
	var rows []shipmentRow
	err := s.db.WithContext(ctx).
		Where("merchant_id = ? AND shipped = ? AND delivered = ? AND transaction_id <> ''", merchantID, true, false).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("finding pending shipments: %w", err)
	}
	result := make([]shipping.ShipmentRecord, len(rows))
	for i, r := range rows {
		result[i] = shipmentFromRow(r)
	}
	return result, nil
}

func (s *GormStore) RecordTransaction(ctx context.Context, shipmentID string, fields shipping.TransactionFields) error {
	res := s.db.WithContext(ctx).Model(&shipmentRow{}).
		Where("id = ? AND (transaction_id = '' OR transaction_id IS NULL)", shipmentID).
		Updates(map[string]interface{}{
			"label_url":            fields.LabelURL,
			"tracking_number":      fields.TrackingNumber,
			"transaction_id":       fields.TransactionID,
			"tracking_status":      "",
			"tracking_status_date": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("recording transaction: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&shipmentRow{}).Where("id = ?", shipmentID).Count(&count).Error; err != nil {
		return fmt.Errorf("recording transaction: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("shipment %s: %w", shipmentID, shipping.ErrNotFound)
	}
	return fmt.Errorf("shipment %s: %w", shipmentID, shipping.ErrAlreadyConfirmed)
}

func (s *GormStore) UpdateTrackingStatus(ctx context.Context, shipmentID, status string, date time.Time, delivered bool) error {
	updates := map[string]interface{}{
		"tracking_status":      status,
		"tracking_status_date": date,
	}
	if delivered {
		updates["delivered"] = true
	}
	res := s.db.WithContext(ctx).Model(&shipmentRow{}).Where("id = ?", shipmentID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating tracking status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("shipment %s: %w", shipmentID, shipping.ErrNotFound)
	}
	return nil
}

// Grant gives userID a role on merchantID.
func (s *GormStore) Grant(ctx context.Context, userID, merchantID, role string) error {
	row := membershipRow{UserID: userID, MerchantID: merchantID, Role: role}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *GormStore) RolesFor(ctx context.Context, userID, merchantID string) ([]string, error) {
	var roles []string
	err := s.db.WithContext(ctx).Model(&membershipRow{}).
		Where("user_id = ? AND merchant_id = ?", userID, merchantID).
		Pluck("role", &roles).Error
	if err != nil {
		return nil, fmt.Errorf("loading roles: %w", err)
	}
	return roles, nil
}

var _ Store = (*GormStore)(nil)
