package android

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	ocpcurrency "github.com/code-payments/ocp-server/currency"

	"github.com/code-payments/flipcash2-iap/event"
	"github.com/code-payments/flipcash2-iap/iap"
	"github.com/code-payments/flipcash2-iap/localization"
)

type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypeConnected
	EventTypeDisconnected
	EventTypeBillingError
	EventTypeProductPurchased
	EventTypeProductPurchaseError
	EventTypePurchaseConsumed
	EventTypePurchaseConsumeError
	EventTypePurchaseFailedValidation
	EventTypeUserCanceled
)

func (t EventType) String() string {
	switch t {
	case EventTypeConnected:
		return "connected"
	case EventTypeDisconnected:
		return "disconnected"
	case EventTypeBillingError:
		return "billing_error"
	case EventTypeProductPurchased:
		return "product_purchased"
	case EventTypeProductPurchaseError:
		return "product_purchase_error"
	case EventTypePurchaseConsumed:
		return "purchase_consumed"
	case EventTypePurchaseConsumeError:
		return "purchase_consume_error"
	case EventTypePurchaseFailedValidation:
		return "purchase_failed_validation"
	case EventTypeUserCanceled:
		return "user_canceled"
	default:
		return "unknown"
	}
}

// Event is a notification raised by the billing channel. Which fields are set
// depends on the event type.
type Event struct {
	Type EventType

	// BillingError
	ErrorType string
	Message   string

	// ProductPurchaseError, PurchaseConsumeError
	ResponseCode iap.ResponseCode
	Sku          string

	// ProductPurchased, PurchaseConsumed, PurchaseFailedValidation
	Purchase     *NativePurchase
	PurchaseData string
	Signature    string
}

type ItemType string

const (
	ItemTypeInApp        ItemType = "inapp"
	ItemTypeSubscription ItemType = "subs"
)

// SkuDetails describes a product as listed in the store inventory.
type SkuDetails struct {
	ProductID   string
	Type        ItemType
	Title       string
	Description string
	Price       decimal.Decimal
	Currency    ocpcurrency.Code
}

func (s *SkuDetails) DisplayPrice(locale language.Tag) string {
	return localization.FormatPrice(locale, s.Currency, s.Price)
}

type PurchaseState int

const (
	PurchaseStatePurchased PurchaseState = iota
	PurchaseStateCanceled
	PurchaseStatePending
)

// NativePurchase is the purchase record reported by the store.
type NativePurchase struct {
	OrderID      string        `json:"orderId"`
	PackageName  string        `json:"packageName"`
	ProductID    string        `json:"productId"`
	PurchaseTime int64         `json:"purchaseTime"`
	State        PurchaseState `json:"purchaseState"`
	Token        string        `json:"purchaseToken"`
}

// ResultCode is the result reported by the host when a billing activity
// returns.
type ResultCode int

const (
	ResultCodeOK        ResultCode = -1
	ResultCodeCanceled  ResultCode = 0
	ResultCodeFirstUser ResultCode = 1
)

const (
	ExtraResponseCode  = "RESPONSE_CODE"
	ExtraPurchaseData  = "INAPP_PURCHASE_DATA"
	ExtraDataSignature = "INAPP_DATA_SIGNATURE"
)

// Intent carries the extras returned by a billing activity.
type Intent struct {
	Extras map[string]string
}

func NewIntent() *Intent {
	return &Intent{Extras: make(map[string]string)}
}

func (i *Intent) Extra(key string) (string, bool) {
	if i == nil || i.Extras == nil {
		return "", false
	}
	v, ok := i.Extras[key]
	return v, ok
}

// BillingChannel is the native billing connection consumed by Service.
//
// Commands are fire-and-forget: outcomes are delivered as events to
// subscribers, possibly before the command returns.
type BillingChannel interface {
	Subscribe(h event.Handler[EventType, *Event], types ...EventType) *event.Subscription[EventType, *Event]

	Connect() error
	Disconnect() error

	// QueryInventory returns the listed products among ids. An empty result
	// is not an error.
	QueryInventory(ctx context.Context, ids []string, itemType ItemType) ([]*SkuDetails, error)

	BuyProduct(sku *SkuDetails) error
	ConsumePurchase(purchase *NativePurchase) error

	HandleActivityResult(requestCode int, resultCode ResultCode, data *Intent)
}

// Connector binds a BillingChannel to the host context. The public key is the
// application's licensing key used by the channel to check purchase
// signatures.
type Connector func(platformCtx any, publicKey string) (BillingChannel, error)
