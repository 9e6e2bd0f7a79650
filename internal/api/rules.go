package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baremetal-inspector/inspector/internal/db"
	"github.com/baremetal-inspector/inspector/internal/repository"
	"github.com/baremetal-inspector/inspector/internal/rules"
)

// RuleHandler serves the rule CRUD routes under /v1/rules — an operator
// admin surface, gated by Authenticate in the router.
type RuleHandler struct {
	repo   repository.RuleRepository
	logger *zap.Logger
}

// NewRuleHandler creates a new RuleHandler.
func NewRuleHandler(repo repository.RuleRepository, logger *zap.Logger) *RuleHandler {
	return &RuleHandler{repo: repo, logger: logger.Named("rule_handler")}
}

// ruleDocument is the wire shape of a rule, matching ironic-inspector's
// rule JSON: a flat list of condition objects, a flat list of action
// objects, an optional description, and an optional node uuid scope.
type ruleDocument struct {
	UUID        uuid.UUID             `json:"uuid,omitempty"`
	Description string                `json:"description,omitempty"`
	Conditions  []rules.ConditionSpec `json:"conditions"`
	Actions     []rules.ActionSpec    `json:"actions"`
	ScopeUUID   *uuid.UUID            `json:"scope,omitempty"`
}

// Create handles POST /v1/rules.
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var doc ruleDocument
	if !decodeJSON(w, r, &doc) {
		return
	}
	if len(doc.Actions) == 0 {
		ErrUnprocessable(w, "a rule must have at least one action")
		return
	}

	conditions, err := json.Marshal(doc.Conditions)
	if err != nil {
		ErrBadRequest(w, "invalid conditions")
		return
	}
	actions, err := json.Marshal(doc.Actions)
	if err != nil {
		ErrBadRequest(w, "invalid actions")
		return
	}

	row := &db.Rule{
		Description: doc.Description,
		Conditions:  string(conditions),
		Actions:     string(actions),
		ScopeUUID:   doc.ScopeUUID,
	}
	if err := h.repo.Create(r.Context(), row); err != nil {
		h.logger.Error("failed to create rule", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, toRuleDocument(row))
}

// List handles GET /v1/rules.
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, err := h.repo.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list rules", zap.Error(err))
		ErrInternal(w)
		return
	}

	docs := make([]ruleDocument, 0, len(rows))
	for i := range rows {
		docs = append(docs, toRuleDocument(&rows[i]))
	}
	Ok(w, envelope{"rules": docs})
}

// GetByID handles GET /v1/rules/{id}.
func (h *RuleHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	row, err := h.repo.Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	Ok(w, toRuleDocument(row))
}

// Delete handles DELETE /v1/rules/{id}.
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.Delete(r.Context(), id); err != nil {
		h.logger.Error("failed to delete rule", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// DeleteAll handles DELETE /v1/rules.
func (h *RuleHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteAll(r.Context()); err != nil {
		h.logger.Error("failed to delete all rules", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

func (h *RuleHandler) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	h.logger.Error("rule lookup failed", zap.Error(err))
	ErrInternal(w)
}

func toRuleDocument(row *db.Rule) ruleDocument {
	doc := ruleDocument{
		UUID:        row.ID,
		Description: row.Description,
		ScopeUUID:   row.ScopeUUID,
	}
	_ = json.Unmarshal([]byte(row.Conditions), &doc.Conditions)
	_ = json.Unmarshal([]byte(row.Actions), &doc.Actions)
	return doc
}
