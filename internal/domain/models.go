// Package domain holds the shared, broker-agnostic data model: users and
// credentials, the symbol registry, orders/trades/positions, and the
// streaming subscription types.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderAction is the side of an order request.
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// PriceType is the order's pricing instruction.
type PriceType string

const (
	PriceMarket PriceType = "MARKET"
	PriceLimit  PriceType = "LIMIT"
	PriceSL     PriceType = "SL"
	PriceSLM    PriceType = "SL-M"
)

// Product is the margin product under which an order is placed.
type Product string

const (
	ProductMIS  Product = "MIS"
	ProductCNC  Product = "CNC"
	ProductNRML Product = "NRML"
)

// OrderStatus is the lifecycle state of a persisted Order. Terminal states
// (Complete, Rejected, Cancelled) are absorbing.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderComplete  OrderStatus = "COMPLETE"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// InstrumentType classifies a tradable instrument.
type InstrumentType string

const (
	InstrumentEQ    InstrumentType = "EQ"
	InstrumentFUT   InstrumentType = "FUT"
	InstrumentOptCE InstrumentType = "OPT-CE"
	InstrumentOptPE InstrumentType = "OPT-PE"
	InstrumentINDEX InstrumentType = "INDEX"
)

// StreamMode is the richness of a market-data subscription.
type StreamMode int

const (
	ModeLTP   StreamMode = 1
	ModeQuote StreamMode = 2
	ModeDepth StreamMode = 3
)

// ParseStreamMode maps the wire string ("LTP"|"Quote"|"Depth") to a StreamMode.
func ParseStreamMode(s string) (StreamMode, bool) {
	switch s {
	case "LTP", "ltp":
		return ModeLTP, true
	case "Quote", "QUOTE", "quote":
		return ModeQuote, true
	case "Depth", "DEPTH", "depth":
		return ModeDepth, true
	default:
		return 0, false
	}
}

// OrderMode is the per-API-key routing mode.
type OrderMode string

const (
	ModeAuto     OrderMode = "AUTO"
	ModeSemiAuto OrderMode = "SEMI_AUTO"
)

// AuthenticationStyle is a broker adapter's credential exchange shape.
type AuthenticationStyle string

const (
	AuthOAuth2       AuthenticationStyle = "OAUTH2"
	AuthAPIKeyPair   AuthenticationStyle = "API_KEY_PAIR"
	AuthSessionToken AuthenticationStyle = "SESSION_TOKEN"
)

// BrokerBinding links a user to one broker's encrypted credential blob.
type BrokerBinding struct {
	BrokerName       string
	CredentialBlobCT []byte
	IsDefault        bool
}

// User is the trader identity.
type User struct {
	UserID           string
	PasswordVerifier string // argon2id hash, pepper already folded in
	BrokerBindings   []BrokerBinding
}

// APIKey is an opaque bearer token used by scripts/webhooks/UI.
type APIKey struct {
	KeyHash    string // argon2id hash, for verification
	KeyCT      []byte // AEAD ciphertext, for retrieval/display
	UserID     string
	OrderMode  OrderMode
	IsActive   bool
	LastUsedAt time.Time
}

// BrokerSession is post-login broker state. A session is valid only when
// IsRevoked is false AND Now is before ExpiresAt.
type BrokerSession struct {
	UserID         string
	BrokerName     string
	AccessTokenCT  []byte
	RefreshTokenCT []byte // optional, nil if the broker issues none
	FeedTokenCT    []byte // optional, XTS-class brokers
	ExpiresAt      time.Time
	IsRevoked      bool
}

// Valid reports whether the session can still be used.
func (s BrokerSession) Valid(now time.Time) bool {
	return !s.IsRevoked && now.Before(s.ExpiresAt)
}

// Instrument is a canonical, broker-independent tradable security.
type Instrument struct {
	NormalizedSymbol string
	Exchange         string
	InstrumentType   InstrumentType
	LotSize          int
	TickSize         decimal.Decimal
	Expiry           *time.Time
	Strike           *decimal.Decimal
}

// CanonicalID is the unique key of an Instrument.
func (i Instrument) CanonicalID() string {
	return i.Exchange + ":" + i.NormalizedSymbol
}

// OrderRequest is the external input to place an order.
type OrderRequest struct {
	Action       OrderAction
	Quantity     int64
	PriceType    PriceType
	Price        *decimal.Decimal
	TriggerPrice *decimal.Decimal
	Product      Product
	Exchange     string
	Symbol       string // canonical normalized symbol
}

// Order is the persisted order record.
type Order struct {
	OrderID        string
	UserID         string
	Request        OrderRequest
	Status         OrderStatus
	FilledQuantity int64
	AveragePrice   decimal.Decimal
	MarginBlocked  decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
	BrokerOrderID  string
}

// Trade is an immutable execution record.
type Trade struct {
	TradeID   string
	OrderID   string
	Quantity  int64
	Price     decimal.Decimal
	Timestamp time.Time
}

// Position is unique per (UserID, Symbol, Exchange, Product); NetQuantity is
// signed and the row is kept (not deleted) once it nets to zero.
type Position struct {
	UserID        string
	Symbol        string
	Exchange      string
	Product       Product
	NetQuantity   int64
	AvgPrice      decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
}

// Holding is a T+1 settled CNC position.
type Holding struct {
	UserID   string
	Symbol   string
	Exchange string
	Quantity int64
	AvgPrice decimal.Decimal
}

// PendingOrderStatus is the Action Center approval state.
type PendingOrderStatus string

const (
	PendingStatusPending  PendingOrderStatus = "pending"
	PendingStatusApproved PendingOrderStatus = "approved"
	PendingStatusRejected PendingOrderStatus = "rejected"
)

// PendingOrder is a queued Semi-Auto order awaiting human approval. OrderBlob
// must never contain an API key.
type PendingOrder struct {
	ID              int64
	UserID          string
	APIType         string
	OrderBlob       map[string]interface{}
	Status          PendingOrderStatus
	CreatedAt       time.Time
	DecidedAt       *time.Time
	DecidedBy       string
	RejectionReason string
	BrokerOrderID   string
}

// Subscription is a single client's interest in a symbol/exchange/mode.
type Subscription struct {
	ClientID         string
	NormalizedSymbol string
	Exchange         string
	Mode             StreamMode
	DepthLevel       int
}

// Tick is the canonical normalized wire shape a broker adapter publishes.
// Mode determines which optional fields are populated.
type Tick struct {
	Symbol    string
	Exchange  string
	Mode      StreamMode
	LTP       decimal.Decimal
	Timestamp time.Time

	// Quote fields
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	BidQty int64
	AskQty int64

	// Depth fields
	Depth *MarketDepth
}

// MarketDepth is the order-book snapshot used by DEPTH-mode subscriptions.
type MarketDepth struct {
	Buy  []DepthLevel
	Sell []DepthLevel
}

// DepthLevel is a single price/qty/orders row of a depth snapshot.
type DepthLevel struct {
	Price  decimal.Decimal
	Qty    int64
	Orders int
}
