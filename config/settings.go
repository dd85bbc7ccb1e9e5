package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// EDCSettings configures the REDCap connection. Field names are configuration
// because the project has renamed them across revisions (street vs street_1,
// consent_complete vs contact_complete).
type EDCSettings struct {
	URL   string `validate:"required,url"`
	Token string `validate:"required"`

	ReadyField string `validate:"required"`
	ReadyValue string `validate:"required"`

	RecordIdField  string `validate:"required"`
	FirstNameField string `validate:"required"`
	LastNameField  string `validate:"required"`
	Street1Field   string `validate:"required"`
	Street2Field   string
	CityField      string `validate:"required"`
	StateField     string `validate:"required"`
	ZipField       string `validate:"required"`
	PhoneField     string

	OrderNumberField    string `validate:"required"`
	OrderDateField      string `validate:"required"`
	ShipDateField       string `validate:"required"`
	TrackingField       string `validate:"required"`
	ReturnTrackingField string `validate:"required"`
	TubeSerialField     string `validate:"required"`
	StatusField         string `validate:"required"`
	OrderedStatus       string `validate:"required"`
	ShippedStatus       string `validate:"required"`
}

// FulfillerSettings configures the kit vendor connection.
type FulfillerSettings struct {
	URL          string `validate:"required,url"`
	Token        string `validate:"required"`
	APIKeyHeader string `validate:"required"`

	TestMode        bool
	ShippingCountry string          `validate:"required"`
	ShipMethod      string          `validate:"required"`
	ItemNumber      string          `validate:"required"`
	ItemQuantity    decimal.Decimal `validate:"-"`
	PhoneRegion     string          `validate:"required,len=2"`
}

// SchedulerSettings configures the periodic confirmation check.
type SchedulerSettings struct {
	Interval          time.Duration `validate:"gt=0"`
	LockTTL           time.Duration `validate:"gt=0"`
	RetentionInterval time.Duration `validate:"gt=0"`
	RunLogRetention   time.Duration `validate:"gt=0"`
}

type Settings struct {
	EDC       EDCSettings
	Fulfiller FulfillerSettings
	Scheduler SchedulerSettings

	OrderNumberPrefix string        `validate:"required"`
	HTTPTimeout       time.Duration `validate:"gt=0"`
	OrderEventsTopic  string
}

var validate = validator.New()

// LoadSettings reads the process environment (after .env has been loaded)
// and validates the result.
func LoadSettings() (Settings, error) {
	qty := decimal.NewFromInt(1)
	if raw := stringFromEnv("FULFILLER_ITEM_QUANTITY", ""); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return Settings{}, fmt.Errorf("FULFILLER_ITEM_QUANTITY: %w", err)
		}
		qty = parsed
	}

	s := Settings{
		EDC: EDCSettings{
			URL:                 stringFromEnv("EDC_URL", ""),
			Token:               stringFromEnv("EDC_TOKEN", ""),
			ReadyField:          stringFromEnv("EDC_READY_FIELD", "contact_complete"),
			ReadyValue:          stringFromEnv("EDC_READY_VALUE", "2"),
			RecordIdField:       stringFromEnv("EDC_FIELD_RECORD_ID", "record_id"),
			FirstNameField:      stringFromEnv("EDC_FIELD_FIRST_NAME", "first_name"),
			LastNameField:       stringFromEnv("EDC_FIELD_LAST_NAME", "last_name"),
			Street1Field:        stringFromEnv("EDC_FIELD_STREET_1", "street_1"),
			Street2Field:        stringFromEnv("EDC_FIELD_STREET_2", "street_2"),
			CityField:           stringFromEnv("EDC_FIELD_CITY", "city"),
			StateField:          stringFromEnv("EDC_FIELD_STATE", "state"),
			ZipField:            stringFromEnv("EDC_FIELD_ZIP", "zip"),
			PhoneField:          stringFromEnv("EDC_FIELD_PHONE", "phone"),
			OrderNumberField:    stringFromEnv("EDC_ORDER_NUMBER_FIELD", "kit_order_n"),
			OrderDateField:      stringFromEnv("EDC_ORDER_DATE_FIELD", "kit_order_date"),
			ShipDateField:       stringFromEnv("EDC_SHIP_DATE_FIELD", "date_kit_shipped"),
			TrackingField:       stringFromEnv("EDC_TRACKING_FIELD", "kit_tracking_n"),
			ReturnTrackingField: stringFromEnv("EDC_RETURN_TRACKING_FIELD", "kit_tracking_return_n"),
			TubeSerialField:     stringFromEnv("EDC_TUBE_SERIAL_FIELD", "tubeserial"),
			StatusField:         stringFromEnv("EDC_STATUS_FIELD", "kit_status"),
			OrderedStatus:       stringFromEnv("EDC_STATUS_ORDERED", "ORD"),
			ShippedStatus:       stringFromEnv("EDC_STATUS_SHIPPED", "TRN"),
		},
		Fulfiller: FulfillerSettings{
			URL:             stringFromEnv("FULFILLER_URL", ""),
			Token:           stringFromEnv("FULFILLER_TOKEN", ""),
			APIKeyHeader:    stringFromEnv("FULFILLER_API_KEY_HEADER", "Authorization"),
			TestMode:        boolFromEnv("FULFILLER_TEST_FLAG", true),
			ShippingCountry: stringFromEnv("FULFILLER_SHIPPING_COUNTRY", "United States"),
			ShipMethod:      stringFromEnv("FULFILLER_SHIP_METHOD", "FedEx Ground"),
			ItemNumber:      stringFromEnv("FULFILLER_ITEM_NR", ""),
			ItemQuantity:    qty,
			PhoneRegion:     stringFromEnv("FULFILLER_PHONE_REGION", "US"),
		},
		Scheduler: SchedulerSettings{
			Interval:          time.Duration(intFromEnv("CONFIRMATION_INTERVAL_SECONDS", 15)) * time.Second,
			LockTTL:           time.Duration(intFromEnv("CONFIRMATION_LOCK_TTL_SECONDS", 300)) * time.Second,
			RetentionInterval: time.Duration(intFromEnv("RETENTION_INTERVAL_HOURS", 24)) * time.Hour,
			RunLogRetention:   time.Duration(intFromEnv("RUN_LOG_RETENTION_DAYS", 7)) * 24 * time.Hour,
		},
		OrderNumberPrefix: stringFromEnv("ORDER_NUMBER_PREFIX", "EDROP-"),
		HTTPTimeout:       time.Duration(intFromEnv("HTTP_TIMEOUT_SECONDS", 30)) * time.Second,
		OrderEventsTopic:  stringFromEnv("ORDER_EVENTS_TOPIC", ""),
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if !s.Fulfiller.ItemQuantity.IsPositive() {
		return fmt.Errorf("invalid settings: FULFILLER_ITEM_QUANTITY must be positive, got %s", s.Fulfiller.ItemQuantity)
	}
	return nil
}
