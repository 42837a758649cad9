// Package router implements the Order Router & Mode Gate (C7): the
// Auto/Semi-Auto routing decision in §4.7, including the compile-time
// operation classification tables and the semi-auto restriction check.
package router

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/quantgate/gateway/internal/actioncenter"
	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/authcache"
	"github.com/quantgate/gateway/internal/domain"
)

// immediateAlways never queues, regardless of order_mode (§4.7).
var immediateAlways = map[string]bool{
	"closeposition":     true,
	"closeallpositions": true,
	"cancelorder":       true,
	"cancelallorder":    true,
	"modifyorder":       true,
	"orderstatus":       true,
	"orderbook":         true,
	"tradebook":         true,
	"positions":         true,
	"holdings":          true,
	"funds":             true,
	"openposition":      true,
}

// queueable may be deferred to the Action Center under Semi-Auto (§4.7).
var queueable = map[string]bool{
	"placeorder":         true,
	"smartorder":         true,
	"basketorder":        true,
	"splitorder":         true,
	"optionsorder":       true,
	"optionsmultiorder":  true,
}

// restrictedInSemiAutoLive is blocked outright when order_mode=SEMI_AUTO and
// sandbox is off (§4.7), never simply queued.
var restrictedInSemiAutoLive = map[string]bool{
	"closeposition":  true,
	"cancelorder":    true,
	"cancelallorder": true,
	"modifyorder":    true,
	"analyzer/toggle": true,
}

// IsQueueable reports whether apiType belongs to the queueable set.
func IsQueueable(apiType string) bool { return queueable[apiType] }

// IsImmediateAlways reports whether apiType always dispatches immediately.
func IsImmediateAlways(apiType string) bool { return immediateAlways[apiType] }

// IsRestrictedInSemiAutoLive reports whether apiType is blocked under live
// Semi-Auto mode.
func IsRestrictedInSemiAutoLive(apiType string) bool { return restrictedInSemiAutoLive[apiType] }

// Dispatcher sends an already-classified request to a live BrokerAdapter for
// userID. The router is deliberately agnostic of per-api_type request
// shapes (out of scope per spec.md §1); implementations translate orderBlob
// into the correct broker.Adapter call themselves.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID, apiType string, orderBlob map[string]interface{}) (map[string]interface{}, error)
}

// SandboxRouter reports whether sandbox mode is enabled for a user and, if
// so, executes the request against the paper-trading engine instead of a
// live broker.
type SandboxRouter interface {
	Enabled(userID string) bool
	Dispatch(ctx context.Context, userID, apiType string, orderBlob map[string]interface{}) (map[string]interface{}, error)
}

// UIBypass reports whether the caller already holds a live broker session
// token and therefore bypasses the gate's semi-auto restriction check
// (§4.7, "UI-initiated operations").
type UIBypass func(ctx context.Context, userID string) bool

// Gate implements the §4.7 gate algorithm.
type Gate struct {
	log      zerolog.Logger
	verifier *authcache.Verifier
	sandbox  SandboxRouter
	live     Dispatcher
	pending  *actioncenter.Store
	uiBypass UIBypass
}

// New builds a Gate. uiBypass may be nil, in which case no caller is ever
// treated as UI-initiated.
func New(log zerolog.Logger, verifier *authcache.Verifier, sandbox SandboxRouter, live Dispatcher, pending *actioncenter.Store, uiBypass UIBypass) *Gate {
	if uiBypass == nil {
		uiBypass = func(context.Context, string) bool { return false }
	}
	return &Gate{
		log:      log.With().Str("component", "router").Logger(),
		verifier: verifier,
		sandbox:  sandbox,
		live:     live,
		pending:  pending,
		uiBypass: uiBypass,
	}
}

// Result is the gate's outcome, rendered by the HTTP edge per §6.3.
type Result struct {
	Status         string                 `json:"status"`
	OrderID        string                 `json:"orderid,omitempty"`
	Message        string                 `json:"message,omitempty"`
	Mode           string                 `json:"mode,omitempty"`
	PendingOrderID int64                  `json:"pending_order_id,omitempty"`
	Extra          map[string]interface{} `json:"-"`
}

// Route runs the full gate algorithm (§4.7) for apiKey/apiType/orderBlob.
func (g *Gate) Route(ctx context.Context, apiKey, apiType string, orderBlob map[string]interface{}) (Result, error) {
	cached, err := g.verifier.Verify(ctx, apiKey)
	if err != nil {
		return Result{}, err
	}
	userID := cached.UserID

	if g.sandbox.Enabled(userID) {
		resp, err := g.sandbox.Dispatch(ctx, userID, apiType, orderBlob)
		if err != nil {
			return Result{}, err
		}
		return resultFrom(resp), nil
	}

	restricted := IsRestrictedInSemiAutoLive(apiType) && cached.OrderMode == domain.ModeSemiAuto
	if restricted && !g.uiBypass(ctx, userID) {
		return Result{}, apperr.New(apperr.OperationNotAllowed,
			"Operation "+apiType+" is not allowed in Semi-Auto mode. Approve it from the Action Center, or switch to Auto mode.")
	}

	if IsImmediateAlways(apiType) || cached.OrderMode == domain.ModeAuto || g.uiBypass(ctx, userID) {
		resp, err := g.live.Dispatch(ctx, userID, apiType, sanitize(orderBlob))
		if err != nil {
			return Result{}, err
		}
		return resultFrom(resp), nil
	}

	// queueable + SEMI_AUTO: strip the api key and persist for approval.
	id, err := g.pending.Create(ctx, userID, apiType, sanitize(orderBlob))
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status:         "success",
		Message:        "Order queued for approval in Action Center",
		Mode:           "semi_auto",
		PendingOrderID: id,
	}, nil
}

// Approve re-dispatches a pending order's original blob through the
// immediate path, recording the resulting broker_order_id.
func (g *Gate) Approve(ctx context.Context, pendingID int64, callerUserID string) (Result, error) {
	p, err := g.pending.Get(ctx, pendingID)
	if err != nil {
		return Result{}, err
	}
	if p.UserID != callerUserID {
		return Result{}, apperr.New(apperr.OwnershipViolation, "pending order does not belong to caller")
	}
	resp, err := g.live.Dispatch(ctx, callerUserID, p.APIType, p.OrderBlob)
	if err != nil {
		return Result{}, err
	}
	result := resultFrom(resp)
	if _, err := g.pending.Approve(ctx, pendingID, callerUserID, result.OrderID); err != nil {
		return Result{}, err
	}
	return result, nil
}

// Reject records a rejection after the ownership check in actioncenter.Store.
func (g *Gate) Reject(ctx context.Context, pendingID int64, callerUserID, reason string) error {
	_, err := g.pending.Reject(ctx, pendingID, callerUserID, reason)
	return err
}

// sanitize strips an api key from an order blob before it is persisted or
// forwarded, per §3.4's invariant that order_blob must never contain one.
func sanitize(blob map[string]interface{}) map[string]interface{} {
	if blob == nil {
		return nil
	}
	out := make(map[string]interface{}, len(blob))
	for k, v := range blob {
		if k == "apikey" || k == "api_key" {
			continue
		}
		out[k] = v
	}
	return out
}

func resultFrom(resp map[string]interface{}) Result {
	r := Result{Status: "success"}
	if id, ok := resp["orderid"].(string); ok {
		r.OrderID = id
	}
	if msg, ok := resp["message"].(string); ok {
		r.Message = msg
	}
	r.Extra = resp
	return r
}
