package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/baremetal-inspector/inspector/internal/auth"
	"github.com/baremetal-inspector/inspector/internal/notify"
	"github.com/baremetal-inspector/inspector/internal/repository"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It
// is populated in cmd/inspectord/main.go after every component is
// initialized and passed to NewRouter as a single struct to keep the
// constructor signature manageable as the number of dependencies grows.
type RouterConfig struct {
	Pipeline introspectionProcessor
	Nodes    repository.NodeRepository
	Rules    repository.RuleRepository
	Hub      *notify.Hub
	JWTMgr   *auth.JWTManager
	Logger   *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. Every
// route is registered under /v1, matching ironic-inspector's own route
// names directly (POST /v1/continue, GET /v1/introspection, etc.) rather
// than inventing a new REST contract — spec.md treats the HTTP surface as
// an external collaborator, not something this repo designs from scratch.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	introspectionHandler := NewIntrospectionHandler(cfg.Pipeline, cfg.Nodes, cfg.Logger)
	ruleHandler := NewRuleHandler(cfg.Rules, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)

	r.Route("/v1", func(r chi.Router) {

		// --- Ramdisk ingress: no authentication, reached by machines on the
		// provisioning network that have no operator identity. ---
		r.Post("/continue", introspectionHandler.Continue)

		// --- Operator admin routes: rule CRUD, abort, reapply, status. ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWTMgr))

			r.Get("/introspection", introspectionHandler.List)
			r.Get("/introspection/{id}", introspectionHandler.GetByID)
			r.Post("/introspection/{id}/abort", introspectionHandler.Abort)
			r.Post("/introspection/{id}/data/unprocessed", introspectionHandler.Reapply)
			r.Get("/introspection/{id}/ws", wsHandler.ServeWS)

			r.Post("/rules", ruleHandler.Create)
			r.Get("/rules", ruleHandler.List)
			r.Delete("/rules", ruleHandler.DeleteAll)
			r.Get("/rules/{id}", ruleHandler.GetByID)
			r.Delete("/rules/{id}", ruleHandler.Delete)
		})
	})

	return r
}
