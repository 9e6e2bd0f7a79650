package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baremetal-inspector/inspector/internal/db"
	"github.com/baremetal-inspector/inspector/internal/nodecache"
	"github.com/baremetal-inspector/inspector/internal/repository"
)

// introspectionProcessor is what IntrospectionHandler needs from
// internal/pipeline — narrowed to an interface so the handler has no
// direct dependency on the pipeline package's concrete type.
type introspectionProcessor interface {
	Process(ctx context.Context, data map[string]interface{}) (ipmiSetup bool, ipmiUsername, ipmiPassword string, err error)
	Reapply(ctx context.Context, nodeUUID uuid.UUID) error
	Abort(ctx context.Context, nodeUUID uuid.UUID, reason string) error
}

// IntrospectionHandler serves the ramdisk submission endpoint and the
// introspection status/abort/reapply routes — POST /v1/continue,
// GET /v1/introspection[/{id}], POST /v1/introspection/{id}/abort, and
// POST /v1/introspection/{id}/data/unprocessed, matching
// ironic-inspector's own route names.
type IntrospectionHandler struct {
	pipeline introspectionProcessor
	nodes    repository.NodeRepository
	logger   *zap.Logger
}

// NewIntrospectionHandler creates a new IntrospectionHandler.
func NewIntrospectionHandler(pipeline introspectionProcessor, nodes repository.NodeRepository, logger *zap.Logger) *IntrospectionHandler {
	return &IntrospectionHandler{
		pipeline: pipeline,
		nodes:    nodes,
		logger:   logger.Named("introspection_handler"),
	}
}

// Continue handles POST /v1/continue — the ramdisk's one-shot inventory
// submission. The request has no caller identity; the node is resolved by
// bmc_address/macs inside the pipeline, not by any path parameter.
func (h *IntrospectionHandler) Continue(w http.ResponseWriter, r *http.Request) {
	var data map[string]interface{}
	if !decodeJSONLoose(w, r, &data) {
		return
	}

	ipmiSetup, ipmiUsername, ipmiPassword, err := h.pipeline.Process(r.Context(), data)
	if err != nil {
		h.logger.Warn("introspection processing failed", zap.Error(err))
		switch {
		case errors.Is(err, nodecache.ErrNotFoundInCache), errors.Is(err, nodecache.ErrAmbiguousLookup):
			ErrNotFound(w)
		case errors.Is(err, nodecache.ErrAlreadyFinished):
			ErrBadRequest(w, "node processing already finished")
		default:
			ErrUnprocessable(w, err.Error())
		}
		return
	}

	if ipmiSetup {
		Ok(w, envelope{
			"ipmi_setup_credentials": true,
			"ipmi_username":          ipmiUsername,
			"ipmi_password":          ipmiPassword,
		})
		return
	}

	Ok(w, envelope{})
}

// Abort handles POST /v1/introspection/{id}/abort.
func (h *IntrospectionHandler) Abort(w http.ResponseWriter, r *http.Request) {
	nodeUUID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	reason := r.URL.Query().Get("reason")
	if err := h.pipeline.Abort(r.Context(), nodeUUID, reason); err != nil {
		h.writeLookupError(w, err)
		return
	}
	NoContent(w)
}

// Reapply handles POST /v1/introspection/{id}/data/unprocessed.
func (h *IntrospectionHandler) Reapply(w http.ResponseWriter, r *http.Request) {
	nodeUUID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.pipeline.Reapply(r.Context(), nodeUUID); err != nil {
		h.writeLookupError(w, err)
		return
	}
	NoContent(w)
}

// nodeStatus is the JSON shape returned for one node by GetByID and List.
type nodeStatus struct {
	UUID       uuid.UUID  `json:"uuid"`
	Finished   bool       `json:"finished"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// GetByID handles GET /v1/introspection/{id}.
func (h *IntrospectionHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	nodeUUID, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	node, err := h.nodes.Get(r.Context(), nodeUUID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}

	Ok(w, toNodeStatus(node))
}

// List handles GET /v1/introspection.
func (h *IntrospectionHandler) List(w http.ResponseWriter, r *http.Request) {
	uuids, err := h.nodes.ListUUIDs(r.Context())
	if err != nil {
		h.logger.Error("failed to list node uuids", zap.Error(err))
		ErrInternal(w)
		return
	}

	statuses := make([]nodeStatus, 0, len(uuids))
	for _, id := range uuids {
		node, err := h.nodes.Get(r.Context(), id)
		if err != nil {
			continue
		}
		statuses = append(statuses, toNodeStatus(node))
	}

	Ok(w, statuses)
}

func toNodeStatus(node *db.Node) nodeStatus {
	return nodeStatus{
		UUID:       node.UUID,
		Finished:   node.FinishedAt != nil,
		StartedAt:  node.StartedAt,
		FinishedAt: node.FinishedAt,
		Error:      node.Error,
	}
}

// writeLookupError translates a repository/pipeline error into the
// appropriate HTTP status.
func (h *IntrospectionHandler) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, nodecache.ErrNotFoundInCache), errors.Is(err, nodecache.ErrAmbiguousLookup):
		ErrNotFound(w)
		return
	case errors.Is(err, nodecache.ErrAlreadyFinished):
		ErrBadRequest(w, "node processing already finished")
		return
	}
	h.logger.Warn("introspection operation failed", zap.Error(err))
	ErrUnprocessable(w, err.Error())
}

// parseUUIDParam extracts and parses the named Chi URL parameter as a
// UUID, writing a 400 response and returning false on failure.
func parseUUIDParam(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		ErrBadRequest(w, "invalid "+param)
		return uuid.UUID{}, false
	}
	return id, true
}

// decodeJSONLoose decodes the request body into dst without rejecting
// unknown fields — ramdisk submissions carry a large, loosely-specified
// inventory payload (spec.md §6) that this service only partially
// interprets.
func decodeJSONLoose(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
