package admin

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/antigravity-dev/factoryverse/internal/action"
	"github.com/antigravity-dev/factoryverse/internal/envelope"
	"github.com/antigravity-dev/factoryverse/internal/paramspec"
)

// TickSource supplies the current simulation tick an action call is
// evaluated against — the orchestrator's tick counter in production.
type TickSource func() int64

// Server is the C6.1 admin/RPC surface: "a registrable actions interface
// with one method per registered action" (spec.md §6.1), accepting either
// a decoded JSON mapping or a JSON string body.
type Server struct {
	registry *action.Registry
	catalog  paramspec.PrototypeCatalog
	tick     TickSource
	force    string
	auth     *AuthMiddleware
	logger   *slog.Logger
	schemas  map[string]*jsonschema.Schema
}

// Config bundles the wiring a Server needs.
type Config struct {
	Registry *action.Registry
	Catalog  paramspec.PrototypeCatalog
	Tick     TickSource
	Force    string // default force name actions run against, e.g. "player"
	Auth     *AuthMiddleware
	Logger   *slog.Logger

	// Schemas optionally maps an action name to a raw JSON Schema document
	// that the request body must satisfy before it reaches paramspec
	// validation. Actions with no entry skip this layer entirely; it exists
	// for actions whose operators want shape errors (wrong types, missing
	// nested fields in a mapping-kind param) reported before the registry's
	// own validator chain runs.
	Schemas map[string]json.RawMessage
}

// NewServer builds the admin HTTP surface. Schema documents that fail to
// compile are logged and skipped rather than causing startup to fail — a
// malformed operator-supplied schema should not take the whole admin
// surface down.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Force == "" {
		cfg.Force = "player"
	}

	schemas := make(map[string]*jsonschema.Schema, len(cfg.Schemas))
	for name, raw := range cfg.Schemas {
		compiled, err := compileSchema(name, raw)
		if err != nil {
			logger.Warn("skipping invalid action schema", "action", name, "error", err)
			continue
		}
		schemas[name] = compiled
	}

	return &Server{
		registry: cfg.Registry,
		catalog:  cfg.Catalog,
		tick:     cfg.Tick,
		force:    cfg.Force,
		auth:     cfg.Auth,
		logger:   logger,
		schemas:  schemas,
	}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	resource := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(resource)
}

// Handler builds the routed http.Handler: POST /actions/{name} invokes
// the named action, GET /healthz is an unauthenticated liveness probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /actions/{name}", s.gated(s.handleAction))
	return mux
}

func (s *Server) gated(h http.HandlerFunc) http.HandlerFunc {
	if s.auth == nil {
		return h
	}
	return s.auth.RequireAuth(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAction accepts either form spec.md §6.1 names: a decoded JSON
// mapping, or a JSON string that itself parses to that mapping (the body
// is read raw and handed to the registry either way — action.Registry's
// preRun already distinguishes the two forms via paramspec.FromJSON /
// FromMapping).
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || !s.registry.Has(name) {
		writeError(w, http.StatusNotFound, "unknown action: "+name)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var rawParams any
	if len(body) == 0 {
		rawParams = map[string]any{}
	} else if err := json.Unmarshal(body, &rawParams); err != nil {
		// Not valid JSON at all — treat the raw body as the JSON-string
		// form the registry also accepts.
		rawParams = string(body)
	} else if schema, ok := s.schemas[name]; ok {
		if err := schema.Validate(rawParams); err != nil {
			writeError(w, http.StatusBadRequest, "schema validation failed: "+err.Error())
			return
		}
	}

	tick := int64(0)
	if s.tick != nil {
		tick = s.tick()
	}

	force := r.URL.Query().Get("force")
	if force == "" {
		force = s.force
	}

	result := s.registry.Invoke(r.Context(), name, tick, rawParams, s.catalog, force)
	status := http.StatusOK
	if !result.Ok {
		status = statusForCategory(result.Category)
	}
	writeJSON(w, status, result)
}

func statusForCategory(cat envelope.Category) int {
	switch cat {
	case envelope.CategoryValidation:
		return http.StatusBadRequest
	case envelope.CategoryAgent, envelope.CategoryMap:
		return http.StatusNotFound
	case envelope.CategoryCapacity:
		return http.StatusTooManyRequests
	case envelope.CategoryEngine:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "message": message})
}
