// Package sandbox implements the Sandbox Execution Engine (C8): a
// self-contained paper-trading matching/execution simulator with its own
// margin, position, and P&L accounting, isolated from every live-broker
// code path (§4.8). Nothing in this package ever calls broker.Adapter's
// order-mutating methods; it only reads live market data via QuoteSource.
package sandbox

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantgate/gateway/internal/domain"
)

// Order mirrors domain.Order but lives entirely in the sandbox's own store
// (§4.8 "isolated state"), so a live-broker schema change can never corrupt
// paper-trading history and vice versa.
type Order struct {
	OrderID        string
	UserID         string
	Symbol         string
	Exchange       string
	Action         domain.OrderAction
	Quantity       int64
	PriceType      domain.PriceType
	Price          *decimal.Decimal
	TriggerPrice   *decimal.Decimal
	Product        domain.Product
	Status         domain.OrderStatus
	FilledQuantity int64
	AveragePrice   decimal.Decimal
	MarginBlocked  decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Trade is an immutable sandbox fill record.
type Trade struct {
	TradeID   string
	OrderID   string
	UserID    string
	Symbol    string
	Exchange  string
	Quantity  int64
	Price     decimal.Decimal
	Timestamp time.Time
}

// Position is unique per (UserID, Symbol, Exchange, Product), mirroring the
// live position shape but computed entirely from sandbox fills.
type Position struct {
	UserID        string
	Symbol        string
	Exchange      string
	Product       domain.Product
	NetQuantity   int64
	AvgPrice      decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Holding is a settled sandbox CNC position.
type Holding struct {
	UserID   string
	Symbol   string
	Exchange string
	Quantity int64
	AvgPrice decimal.Decimal
}

// Funds tracks one user's paper-trading capital. The invariant (testable
// property 8) is Available + UsedMargin = TotalCapital + RealizedPnL, to
// within rounding; see DESIGN.md for the accounting-order decision on when
// realized P&L moves into Available.
type Funds struct {
	UserID      string
	TotalCapital decimal.Decimal
	UsedMargin   decimal.Decimal
	Available    decimal.Decimal
	RealizedPnL  decimal.Decimal
	ResetCount   int
	LastResetAt  time.Time
}

// Config is a user's ~18-key sandbox configuration (§4.8).
type Config struct {
	UserID               string
	EquityMISLeverage    decimal.Decimal
	EquityCNCLeverage    decimal.Decimal
	FuturesLeverage      decimal.Decimal
	OptionSellLeverage   decimal.Decimal
	OrderRateLimit       int // fills per user per execution pass (one pass every 5s), not per second
	SeedCapital          decimal.Decimal
	FundResetWeekday     time.Weekday
	FundResetHour        int
	FundResetMinute      int
	SquareOffTimezone    string
	SquareOffNSEBSENFOBFO string // HH:MM
	SquareOffCDSBCD       string
	SquareOffMCX          string
	SquareOffNCDEX        string
}

// DefaultConfig returns the §4.8/§9 documented defaults for a newly
// sandbox-enabled user.
func DefaultConfig(userID string) Config {
	return Config{
		UserID:                userID,
		EquityMISLeverage:     decimal.NewFromInt(5),
		EquityCNCLeverage:     decimal.NewFromInt(1),
		FuturesLeverage:       decimal.NewFromInt(10),
		OptionSellLeverage:    decimal.NewFromInt(10),
		OrderRateLimit:        10,
		SeedCapital:           decimal.NewFromInt(10_000_000),
		FundResetWeekday:      time.Sunday,
		FundResetHour:         0,
		FundResetMinute:       0,
		SquareOffTimezone:     "Asia/Kolkata",
		SquareOffNSEBSENFOBFO: "15:15",
		SquareOffCDSBCD:       "16:45",
		SquareOffMCX:          "23:30",
		SquareOffNCDEX:        "17:00",
	}
}

// exchangeGroup classifies an exchange into one of the four square-off
// groups named in §4.8.
func exchangeGroup(exchange string) string {
	switch exchange {
	case "NSE", "BSE", "NFO", "BFO":
		return "NSE_BSE_NFO_BFO"
	case "CDS", "BCD":
		return "CDS_BCD"
	case "MCX":
		return "MCX"
	case "NCDEX":
		return "NCDEX"
	default:
		return ""
	}
}
