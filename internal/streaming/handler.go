package streaming

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quantgate/gateway/internal/authcache"
	"github.com/quantgate/gateway/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP requests to the §6.1 WebSocket protocol.
type Handler struct {
	hub      *Hub
	verifier *authcache.Verifier
	log      zerolog.Logger
}

// NewHandler builds the WS upgrade endpoint.
func NewHandler(hub *Hub, verifier *authcache.Verifier, log zerolog.Logger) *Handler {
	return &Handler{hub: hub, verifier: verifier, log: log.With().Str("component", "streaming-handler").Logger()}
}

// ServeHTTP implements http.Handler, suitable for mounting directly on a
// chi router at the WS endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	metrics.StreamingConnections.Inc()
	defer metrics.StreamingConnections.Dec()

	client := newClient(conn, h.hub, h.verifier, h.log)
	go client.writePump()
	client.readPump()
}
