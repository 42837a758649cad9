// Package live implements router.Dispatcher against a real upstream broker:
// translating a classified api_type/order_blob request into the right
// broker.Adapter call, then persisting the resulting Order/Trade/Position
// rows the way the Order Router's Auto/Semi-Auto gate expects (§3.3, §4.7).
package live

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/authcache"
	"github.com/quantgate/gateway/internal/broker"
	"github.com/quantgate/gateway/internal/credentials"
	"github.com/quantgate/gateway/internal/database/repositories"
	"github.com/quantgate/gateway/internal/domain"
	"github.com/quantgate/gateway/internal/registry"
)

// Dispatcher translates gate-approved requests into live broker.Adapter
// calls. Unlike the streaming proxy's AdapterPool, order dispatch is
// short-lived: each call builds a fresh adapter, authenticates it, issues
// one request, and discards it — there is no persistent connection to
// reuse for REST-style order operations.
type Dispatcher struct {
	log      zerolog.Logger
	factory  *broker.Factory
	creds    credentials.Source
	orders   *repositories.OrderRepository
	registry *registry.Registry
	sessions *repositories.BrokerSessionRepository
	verifier *authcache.Verifier
}

// New builds the live Dispatcher. sessions and verifier back the
// broker-invalid-token propagation cascade (§7, §9): when a broker rejects
// a call with BrokerInvalidToken, the Dispatcher revokes that user's
// broker session and api-key cache entries so the next request re-runs
// the login flow instead of retrying a token that will never work again.
func New(log zerolog.Logger, factory *broker.Factory, creds credentials.Source, orders *repositories.OrderRepository, reg *registry.Registry, sessions *repositories.BrokerSessionRepository, verifier *authcache.Verifier) *Dispatcher {
	return &Dispatcher{
		log:      log.With().Str("component", "live-dispatcher").Logger(),
		factory:  factory,
		creds:    creds,
		orders:   orders,
		registry: reg,
		sessions: sessions,
		verifier: verifier,
	}
}

// revokeOnInvalidToken inspects err for a BrokerErr/BrokerInvalidToken and,
// if found, revokes userID's broker sessions and cached api keys. Errors
// from the revocation itself are logged, not returned — the original
// broker error is always what the caller sees.
func (d *Dispatcher) revokeOnInvalidToken(ctx context.Context, userID string, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.BrokerErr || appErr.SubKind != apperr.BrokerInvalidToken {
		return
	}
	if d.sessions != nil {
		if revokeErr := d.sessions.RevokeAllForUser(ctx, userID); revokeErr != nil {
			d.log.Error().Err(revokeErr).Str("user_id", userID).Msg("failed to revoke broker sessions after invalid token")
		}
	}
	if d.verifier != nil {
		d.verifier.RevokeUser(userID)
	}
	d.log.Warn().Str("user_id", userID).Msg("broker reported invalid token, sessions and cached keys revoked")
}

// adapterFor builds and authenticates a one-shot adapter for userID's
// default broker.
func (d *Dispatcher) adapterFor(ctx context.Context, userID string) (broker.Adapter, error) {
	brokerName, err := d.creds.DefaultBroker(ctx, userID)
	if err != nil {
		return nil, err
	}
	adapter, err := d.factory.Create(brokerName)
	if err != nil {
		return nil, err
	}
	creds, err := d.creds.Credentials(ctx, userID, brokerName)
	if err != nil {
		return nil, err
	}
	if err := adapter.Initialize(ctx, creds); err != nil {
		return nil, err
	}
	return adapter, nil
}

// Dispatch implements router.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, apiType string, orderBlob map[string]interface{}) (map[string]interface{}, error) {
	adapter, err := d.adapterFor(ctx, userID)
	if err != nil {
		d.revokeOnInvalidToken(ctx, userID, err)
		return nil, err
	}

	var out map[string]interface{}
	switch apiType {
	case "placeorder", "smartorder":
		out, err = d.placeOrder(ctx, adapter, userID, orderBlob)
	case "cancelorder":
		out, err = d.cancelOrder(ctx, adapter, orderBlob)
	case "modifyorder":
		out, err = d.modifyOrder(ctx, adapter, orderBlob)
	case "orderbook":
		out, err = d.orderbook(ctx, adapter)
	case "tradebook":
		out, err = d.tradebook(ctx, adapter)
	case "positions":
		out, err = d.positions(ctx, adapter)
	case "holdings":
		out, err = d.holdings(ctx, adapter)
	case "funds":
		out, err = d.funds(ctx, adapter)
	default:
		return nil, apperr.New(apperr.InternalErr, "unsupported api type "+apiType)
	}
	if err != nil {
		d.revokeOnInvalidToken(ctx, userID, err)
	}
	return out, err
}

func stringField(blob map[string]interface{}, key string) string {
	v, _ := blob[key].(string)
	return v
}

func decimalField(blob map[string]interface{}, key string) *decimal.Decimal {
	s := stringField(blob, key)
	if s == "" {
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &v
}

func (d *Dispatcher) placeOrder(ctx context.Context, adapter broker.Adapter, userID string, blob map[string]interface{}) (map[string]interface{}, error) {
	symbol := stringField(blob, "symbol")
	exchange := stringField(blob, "exchange")
	if _, err := d.registry.Lookup(symbol, exchange); err != nil {
		return nil, err
	}

	qty, _ := blob["quantity"].(float64)
	req := domain.OrderRequest{
		Action:       domain.OrderAction(stringField(blob, "action")),
		Quantity:     int64(qty),
		PriceType:    domain.PriceType(stringField(blob, "pricetype")),
		Price:        decimalField(blob, "price"),
		TriggerPrice: decimalField(blob, "triggerprice"),
		Product:      domain.Product(stringField(blob, "product")),
		Exchange:     exchange,
		Symbol:       symbol,
	}

	brokerOrderID, err := adapter.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	order := domain.Order{
		OrderID:       uuid.NewString(),
		UserID:        userID,
		Request:       req,
		Status:        domain.OrderOpen,
		BrokerOrderID: brokerOrderID,
		AveragePrice:  decimal.Zero,
		MarginBlocked: decimal.Zero,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := d.orders.Create(ctx, userID, order); err != nil {
		d.log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to persist live order")
	}

	return map[string]interface{}{"orderid": brokerOrderID, "message": "order placed"}, nil
}

func (d *Dispatcher) cancelOrder(ctx context.Context, adapter broker.Adapter, blob map[string]interface{}) (map[string]interface{}, error) {
	brokerOrderID := stringField(blob, "orderid")
	if err := adapter.CancelOrder(ctx, brokerOrderID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"orderid": brokerOrderID, "message": "order cancelled"}, nil
}

func (d *Dispatcher) modifyOrder(ctx context.Context, adapter broker.Adapter, blob map[string]interface{}) (map[string]interface{}, error) {
	brokerOrderID := stringField(blob, "orderid")
	fields := make(map[string]interface{}, len(blob))
	for k, v := range blob {
		if k == "orderid" {
			continue
		}
		fields[k] = v
	}
	if err := adapter.ModifyOrder(ctx, brokerOrderID, fields); err != nil {
		return nil, err
	}
	return map[string]interface{}{"orderid": brokerOrderID, "message": "order modified"}, nil
}

func (d *Dispatcher) orderbook(ctx context.Context, adapter broker.Adapter) (map[string]interface{}, error) {
	orders, err := adapter.GetOrderbook(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "success", "data": orders}, nil
}

func (d *Dispatcher) tradebook(ctx context.Context, adapter broker.Adapter) (map[string]interface{}, error) {
	trades, err := adapter.GetTradebook(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "success", "data": trades}, nil
}

func (d *Dispatcher) positions(ctx context.Context, adapter broker.Adapter) (map[string]interface{}, error) {
	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "success", "data": positions}, nil
}

func (d *Dispatcher) holdings(ctx context.Context, adapter broker.Adapter) (map[string]interface{}, error) {
	holdings, err := adapter.GetHoldings(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "success", "data": holdings}, nil
}

func (d *Dispatcher) funds(ctx context.Context, adapter broker.Adapter) (map[string]interface{}, error) {
	available, err := adapter.GetFunds(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": "success", "data": map[string]string{"available": available.String()}}, nil
}
