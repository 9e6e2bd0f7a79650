package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/baremetal-inspector/inspector/internal/notify"
)

// WSHandler handles the WebSocket upgrade endpoint GET /v1/introspection/{id}/ws,
// streaming whatever notify.Event values are published on one node's topic
// (no component in this module publishes any; see package notify). There is no browser front end defined by this spec, so unlike
// the teacher's handler there is no JWT-via-query-param auth: this endpoint
// is reached only through the operator-facing admin route group.
type WSHandler struct {
	hub    *notify.Hub
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *notify.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger.Named("ws_handler")}
}

// ServeWS upgrades the connection and subscribes it to the node's topic.
// It blocks until the connection closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	nodeUUID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	topic := notify.NodeTopic(nodeUUID)
	client, err := notify.NewClient(h.hub, w, r, []string{topic}, h.logger)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", zap.String("node_uuid", nodeUUID.String()), zap.Error(err))
		return
	}

	h.logger.Info("ws: client connected", zap.String("node_uuid", nodeUUID.String()), zap.String("remote_addr", r.RemoteAddr))
	client.Run()
	h.logger.Info("ws: client disconnected", zap.String("node_uuid", nodeUUID.String()))
}
