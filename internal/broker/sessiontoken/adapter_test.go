package sessiontoken

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgate/gateway/internal/apperr"
	"github.com/quantgate/gateway/internal/broker"
	"github.com/quantgate/gateway/internal/domain"
)

func subKindOf(t *testing.T, err error) apperr.BrokerErrorSubKind {
	t.Helper()
	var e *apperr.Error
	require.True(t, errors.As(err, &e))
	return e.SubKind
}

func TestInitRegistersPersistentOnDisconnectCapability(t *testing.T) {
	caps, ok := broker.Global().CapabilitiesOf(BrokerName)
	require.True(t, ok)
	assert.True(t, caps.PersistentOnDisconnect)
	assert.Equal(t, domain.AuthSessionToken, caps.AuthenticationStyle)
}

func TestInitializeStoresSessionToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/login", r.URL.Path)
		w.Write([]byte(`{"success":true,"data":{"session_token":"tok-123"}}`))
	}))
	defer srv.Close()

	a := New().(*Adapter).WithBaseURL(srv.URL)
	err := a.Initialize(context.Background(), broker.Credentials{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	assert.Equal(t, "tok-123", a.sessionToken)
}

func TestPlaceOrderSendsBearerTokenAndParsesOrderID(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"success":true,"data":{"order_id":"ORD-1"}}`))
	}))
	defer srv.Close()

	a := New().(*Adapter).WithBaseURL(srv.URL)
	a.sessionToken = "tok-123"

	orderID, err := a.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "RELIANCE", Exchange: "NSE"})
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", orderID)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestDoReturns401AsInvalidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := New().(*Adapter).WithBaseURL(srv.URL)
	_, err := a.GetFunds(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.BrokerInvalidToken, subKindOf(t, err))
}

func TestDoSurfacesEnvelopeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":"insufficient margin"}`))
	}))
	defer srv.Close()

	a := New().(*Adapter).WithBaseURL(srv.URL)
	_, err := a.PlaceOrder(context.Background(), domain.OrderRequest{})
	require.Error(t, err)
	assert.Equal(t, apperr.BrokerOrderRejected, subKindOf(t, err))
}

func TestGetRetriesOnceOnNetworkFailureButPostDoesNot(t *testing.T) {
	var getAttempts, postAttempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			n := atomic.AddInt32(&getAttempts, 1)
			if n == 1 {
				// Simulate a transient failure by hijacking and closing the
				// connection without a response.
				hj, ok := w.(http.Hijacker)
				require.True(t, ok)
				conn, _, err := hj.Hijack()
				require.NoError(t, err)
				conn.Close()
				return
			}
			w.Write([]byte(`{"success":true,"data":{"available":"100"}}`))
			return
		}
		atomic.AddInt32(&postAttempts, 1)
		hj, _ := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	defer srv.Close()

	a := New().(*Adapter).WithBaseURL(srv.URL)

	funds, err := a.GetFunds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100", funds.String())
	assert.EqualValues(t, 2, atomic.LoadInt32(&getAttempts), "a GET must be retried once on network failure")

	_, err = a.PlaceOrder(context.Background(), domain.OrderRequest{})
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&postAttempts), "a POST must not be retried")
}

func TestDisconnectClosesTicksAndClearsToken(t *testing.T) {
	a := New().(*Adapter)
	a.sessionToken = "tok-123"
	require.NoError(t, a.Disconnect())

	_, open := <-a.Ticks()
	assert.False(t, open)
	assert.Empty(t, a.sessionToken)
}
