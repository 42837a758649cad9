package sandbox

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quantgate/gateway/internal/domain"
)

// ExecutionLoop is the §4.8 background job: every period, scan OPEN orders
// and fill any whose trigger condition the current LTP satisfies. It
// implements scheduler.Job so main.go can register it with "@every 5s".
type ExecutionLoop struct {
	engine *Engine
}

// NewExecutionLoop builds a Job wrapping engine's RunExecutionPass.
func NewExecutionLoop(engine *Engine) *ExecutionLoop { return &ExecutionLoop{engine: engine} }

func (j *ExecutionLoop) Name() string { return "sandbox-execution-loop" }

func (j *ExecutionLoop) Run() error {
	return j.engine.RunExecutionPass(context.Background())
}

// RunExecutionPass is one iteration of the execution loop (§4.8). Orders
// are grouped by symbol to batch quote lookups, and fills are capped at the
// configured rate per user to respect order_rate_limit.
func (e *Engine) RunExecutionPass(ctx context.Context) error {
	orders, err := e.repo.OpenOrders(ctx)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}

	byKey := make(map[string][]Order)
	for _, o := range orders {
		key := o.Symbol + ":" + o.Exchange
		byKey[key] = append(byKey[key], o)
	}

	fillBudget := make(map[string]int) // per-user fills this pass

	for _, group := range byKey {
		symbol, exchange := group[0].Symbol, group[0].Exchange
		tick, err := e.quotes.GetQuote(ctx, symbol, exchange)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", symbol).Str("exchange", exchange).Msg("sandbox quote fetch failed, skipping")
			continue
		}

		for _, o := range group {
			cfg, err := e.repo.Config(ctx, o.UserID)
			if err != nil {
				continue
			}
			if fillBudget[o.UserID] >= cfg.OrderRateLimit {
				continue
			}
			if !triggers(o, tick.LTP) {
				continue
			}
			if err := e.fill(ctx, o, tick.LTP); err != nil {
				e.log.Error().Err(err).Str("order_id", o.OrderID).Msg("sandbox fill failed")
				continue
			}
			fillBudget[o.UserID]++
		}
	}
	return nil
}

// triggers evaluates the §4.8 trigger table for one order against the
// current LTP.
func triggers(o Order, ltp decimal.Decimal) bool {
	switch o.PriceType {
	case domain.PriceLimit:
		if o.Price == nil {
			return false
		}
		if o.Action == domain.ActionBuy {
			return ltp.LessThanOrEqual(*o.Price)
		}
		return ltp.GreaterThanOrEqual(*o.Price)
	case domain.PriceSL, domain.PriceSLM:
		if o.TriggerPrice == nil {
			return false
		}
		if o.Action == domain.ActionBuy {
			return ltp.GreaterThanOrEqual(*o.TriggerPrice)
		}
		return ltp.LessThanOrEqual(*o.TriggerPrice)
	default:
		return false
	}
}
