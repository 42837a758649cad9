package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestOrdersRoutedCountsByOutcome(t *testing.T) {
	OrdersRouted.Reset()
	OrdersRouted.WithLabelValues("live").Inc()
	OrdersRouted.WithLabelValues("live").Inc()
	OrdersRouted.WithLabelValues("rejected").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(OrdersRouted.WithLabelValues("live")))
	assert.Equal(t, float64(1), testutil.ToFloat64(OrdersRouted.WithLabelValues("rejected")))
}

func TestStreamingConnectionsGauge(t *testing.T) {
	StreamingConnections.Set(0)
	StreamingConnections.Inc()
	StreamingConnections.Inc()
	StreamingConnections.Dec()

	assert.Equal(t, float64(1), testutil.ToFloat64(StreamingConnections))
}

func TestSquareOffRunsCountsByGroup(t *testing.T) {
	SquareOffRuns.Reset()
	SquareOffRuns.WithLabelValues("NSE_BSE_NFO_BFO").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(SquareOffRuns.WithLabelValues("NSE_BSE_NFO_BFO")))
}
