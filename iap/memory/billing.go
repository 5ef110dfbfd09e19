package memory

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	ocpcurrency "github.com/code-payments/ocp-server/currency"

	"github.com/code-payments/flipcash2-iap/event"
	"github.com/code-payments/flipcash2-iap/iap"
	"github.com/code-payments/flipcash2-iap/iap/android"
)

const (
	DefaultPackageName = "com.flipcash.app"
	DefaultRequestCode = 1001
)

// ActivityResult is what the host would receive when the billing activity
// returns. Tests forward it to android.Service.HandleActivityResult.
type ActivityResult struct {
	RequestCode int
	ResultCode  android.ResultCode
	Data        *android.Intent
}

// BillingChannel is an in-memory Play billing connection. Purchase data is
// signed with an ed25519 store key and checked against the public key handed
// to the connector, so tampered data raises a validation failure.
type BillingChannel struct {
	log         *zap.Logger
	bus         *event.Bus[android.EventType, *android.Event]
	storeKey    ed25519.PrivateKey
	packageName string
	requestCode int

	mu          sync.Mutex
	publicKey   ed25519.PublicKey
	autoConnect bool
	connected   bool
	inventory   map[string]*android.SkuDetails
	inFlight    *android.SkuDetails
	buys        []*android.SkuDetails
	consumed    []*android.NativePurchase
	activities  int
	queryErr    error
	buyErr      error
	consumeErr  error
	consumeCode *iap.ResponseCode
	holdConsume bool
}

func NewBillingChannel(log *zap.Logger, storeKey ed25519.PrivateKey, requestCode int) *BillingChannel {
	return &BillingChannel{
		log:         log,
		bus:         event.NewBus[android.EventType, *android.Event](),
		storeKey:    storeKey,
		packageName: DefaultPackageName,
		requestCode: requestCode,
		autoConnect: true,
		inventory:   make(map[string]*android.SkuDetails),
	}
}

// GenerateKeyPair returns a store signing key and its base58 encoded public
// half, as expected by the connector.
func GenerateKeyPair() (string, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, err
	}
	return base58.Encode(pub), priv, nil
}

// Connector binds this channel. The platform context is ignored.
func (c *BillingChannel) Connector() android.Connector {
	return func(platformCtx any, publicKey string) (android.BillingChannel, error) {
		decoded, err := base58.Decode(publicKey)
		if err != nil {
			return nil, errors.Wrap(err, "invalid public key encoding")
		}
		if len(decoded) != ed25519.PublicKeySize {
			return nil, errors.Errorf("invalid public key length: %d", len(decoded))
		}

		c.mu.Lock()
		c.publicKey = ed25519.PublicKey(decoded)
		c.mu.Unlock()

		return c, nil
	}
}

func (c *BillingChannel) Subscribe(h event.Handler[android.EventType, *android.Event], types ...android.EventType) *event.Subscription[android.EventType, *android.Event] {
	return c.bus.AddHandler(h, types...)
}

// SetAutoConnect controls whether Connect and Disconnect report their outcome
// immediately. When disabled, tests drive the connection with Emit.
func (c *BillingChannel) SetAutoConnect(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.autoConnect = enabled
}

func (c *BillingChannel) Connect() error {
	c.mu.Lock()
	auto := c.autoConnect
	if auto {
		c.connected = true
	}
	c.mu.Unlock()

	if auto {
		c.emit(&android.Event{Type: android.EventTypeConnected})
	}
	return nil
}

func (c *BillingChannel) Disconnect() error {
	c.mu.Lock()
	auto := c.autoConnect
	if auto {
		c.connected = false
		c.inFlight = nil
	}
	c.mu.Unlock()

	if auto {
		c.emit(&android.Event{Type: android.EventTypeDisconnected})
	}
	return nil
}

func (c *BillingChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// AddProduct lists an in-app product in the inventory.
func (c *BillingChannel) AddProduct(id string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inventory[id] = &android.SkuDetails{
		ProductID: id,
		Type:      android.ItemTypeInApp,
		Title:     id,
		Price:     price,
		Currency:  ocpcurrency.USD,
	}
}

func (c *BillingChannel) SetQueryError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queryErr = err
}

func (c *BillingChannel) SetBuyError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buyErr = err
}

// FailConsume makes the next consumes report code instead of success.
func (c *BillingChannel) FailConsume(code iap.ResponseCode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consumeCode = &code
}

// SetConsumeError makes the consume command itself fail.
func (c *BillingChannel) SetConsumeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consumeErr = err
}

// HoldConsume makes consumes succeed without reporting back, as when the
// connection drops before the store answers.
func (c *BillingChannel) HoldConsume(hold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.holdConsume = hold
}

func (c *BillingChannel) QueryInventory(ctx context.Context, ids []string, itemType android.ItemType) ([]*android.SkuDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, errors.New("billing channel is not connected")
	}
	if c.queryErr != nil {
		return nil, c.queryErr
	}

	var res []*android.SkuDetails
	for _, id := range ids {
		sku, ok := c.inventory[id]
		if !ok || sku.Type != itemType {
			continue
		}
		cloned := *sku
		res = append(res, &cloned)
	}
	return res, nil
}

func (c *BillingChannel) BuyProduct(sku *android.SkuDetails) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return errors.New("billing channel is not connected")
	}
	if c.buyErr != nil {
		return c.buyErr
	}
	if c.inFlight != nil {
		return errors.New("purchase flow already running")
	}

	c.inFlight = sku
	c.buys = append(c.buys, sku)
	return nil
}

func (c *BillingChannel) ConsumePurchase(purchase *android.NativePurchase) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return errors.New("billing channel is not connected")
	}
	if c.consumeErr != nil {
		err := c.consumeErr
		c.mu.Unlock()
		return err
	}
	c.consumed = append(c.consumed, purchase)
	code := c.consumeCode
	hold := c.holdConsume
	c.mu.Unlock()

	if hold {
		return nil
	}

	if code != nil {
		c.emit(&android.Event{
			Type:         android.EventTypePurchaseConsumeError,
			ResponseCode: *code,
			Sku:          purchase.ProductID,
		})
		return nil
	}

	c.emit(&android.Event{
		Type:     android.EventTypePurchaseConsumed,
		Purchase: purchase,
	})
	return nil
}

func (c *BillingChannel) HandleActivityResult(requestCode int, resultCode android.ResultCode, data *android.Intent) {
	c.mu.Lock()
	if requestCode != c.requestCode {
		c.mu.Unlock()
		c.log.Debug("Ignoring activity result for another request", zap.Int("request_code", requestCode))
		return
	}
	c.activities++
	sku := c.inFlight
	c.inFlight = nil
	publicKey := c.publicKey
	c.mu.Unlock()

	var skuID string
	if sku != nil {
		skuID = sku.ProductID
	}

	if resultCode == android.ResultCodeCanceled {
		c.emit(&android.Event{Type: android.EventTypeUserCanceled})
		return
	}

	code := iap.ResponseCodeOK
	if raw, ok := data.Extra(android.ExtraResponseCode); ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			code = iap.ResponseCodeError
		} else {
			code = iap.ResponseCode(parsed)
		}
	}
	if resultCode != android.ResultCodeOK && code == iap.ResponseCodeOK {
		code = iap.ResponseCodeError
	}
	if code != iap.ResponseCodeOK {
		c.emit(&android.Event{
			Type:         android.EventTypeProductPurchaseError,
			ResponseCode: code,
			Sku:          skuID,
		})
		return
	}

	purchaseData, _ := data.Extra(android.ExtraPurchaseData)
	signature, _ := data.Extra(android.ExtraDataSignature)

	var native android.NativePurchase
	if err := json.Unmarshal([]byte(purchaseData), &native); err != nil {
		c.emit(&android.Event{
			Type:         android.EventTypePurchaseFailedValidation,
			PurchaseData: purchaseData,
			Signature:    signature,
		})
		return
	}

	if !verifyPurchaseData(publicKey, purchaseData, signature) {
		c.emit(&android.Event{
			Type:         android.EventTypePurchaseFailedValidation,
			Purchase:     &native,
			PurchaseData: purchaseData,
			Signature:    signature,
		})
		return
	}

	c.emit(&android.Event{
		Type:         android.EventTypeProductPurchased,
		Purchase:     &native,
		PurchaseData: purchaseData,
		Signature:    signature,
	})
}

// ApprovePurchase completes the running purchase flow and returns the signed
// activity result the store would hand back.
func (c *BillingChannel) ApprovePurchase() (*ActivityResult, error) {
	data, signature, err := c.signInFlight()
	if err != nil {
		return nil, err
	}
	return c.activityResult(android.ResultCodeOK, iap.ResponseCodeOK, data, signature), nil
}

// ApproveTamperedPurchase is ApprovePurchase with purchase data that no longer
// matches its signature.
func (c *BillingChannel) ApproveTamperedPurchase() (*ActivityResult, error) {
	data, signature, err := c.signInFlight()
	if err != nil {
		return nil, err
	}

	var native android.NativePurchase
	if err := json.Unmarshal([]byte(data), &native); err != nil {
		return nil, err
	}
	native.PurchaseTime++
	tampered, err := json.Marshal(&native)
	if err != nil {
		return nil, err
	}
	return c.activityResult(android.ResultCodeOK, iap.ResponseCodeOK, string(tampered), signature), nil
}

// RejectPurchase returns the activity result for a purchase the store refused
// with code.
func (c *BillingChannel) RejectPurchase(code iap.ResponseCode) *ActivityResult {
	return c.activityResult(android.ResultCodeOK, code, "", "")
}

// CancelPurchase returns the activity result for a flow dismissed by the user.
func (c *BillingChannel) CancelPurchase() *ActivityResult {
	return &ActivityResult{
		RequestCode: c.requestCode,
		ResultCode:  android.ResultCodeCanceled,
	}
}

// Emit publishes e to subscribers as if the native library raised it.
func (c *BillingChannel) Emit(e *android.Event) {
	switch e.Type {
	case android.EventTypeConnected:
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
	case android.EventTypeDisconnected, android.EventTypeBillingError:
		c.mu.Lock()
		c.connected = false
		c.inFlight = nil
		c.mu.Unlock()
	}
	c.emit(e)
}

func (c *BillingChannel) BuyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.buys)
}

func (c *BillingChannel) ConsumeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.consumed)
}

func (c *BillingChannel) ActivityResultCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.activities
}

func (c *BillingChannel) SubscriberCount() int {
	return c.bus.HandlerCount()
}

func (c *BillingChannel) signInFlight() (string, string, error) {
	c.mu.Lock()
	sku := c.inFlight
	c.mu.Unlock()

	if sku == nil {
		return "", "", errors.New("no purchase flow running")
	}

	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		return "", "", err
	}

	native := &android.NativePurchase{
		OrderID:      "GPA." + uuid.New().String(),
		PackageName:  c.packageName,
		ProductID:    sku.ProductID,
		PurchaseTime: time.Now().UnixMilli(),
		State:        android.PurchaseStatePurchased,
		Token:        base58.Encode(token),
	}
	data, err := json.Marshal(native)
	if err != nil {
		return "", "", err
	}

	signature := ed25519.Sign(c.storeKey, data)
	return string(data), base58.Encode(signature), nil
}

func (c *BillingChannel) activityResult(resultCode android.ResultCode, code iap.ResponseCode, data, signature string) *ActivityResult {
	intent := android.NewIntent()
	intent.Extras[android.ExtraResponseCode] = strconv.Itoa(int(code))
	if len(data) > 0 {
		intent.Extras[android.ExtraPurchaseData] = data
		intent.Extras[android.ExtraDataSignature] = signature
	}

	return &ActivityResult{
		RequestCode: c.requestCode,
		ResultCode:  resultCode,
		Data:        intent,
	}
}

func (c *BillingChannel) emit(e *android.Event) {
	c.bus.OnEvent(e.Type, e)
}

func verifyPurchaseData(publicKey ed25519.PublicKey, data, signature string) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}

	decoded, err := base58.Decode(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(publicKey, []byte(data), decoded)
}
