package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/health"
	"github.com/cuemby/shardsql/pkg/metrics"
	"github.com/cuemby/shardsql/pkg/shard"
	"github.com/cuemby/shardsql/pkg/splitter"
	"github.com/cuemby/shardsql/pkg/types"
)

// Server wraps a Gateway in an HTTP surface: the SQL and transaction
// routes plus the admin introspection endpoints.
type Server struct {
	gw     *Gateway
	health *health.Registry
	router *mux.Router
}

// NewServer builds the mux routing table over gw. reg drives the
// /health, /ready, and /live endpoints; nil gets an empty registry,
// which reports healthy and ready (no monitors, no critical set).
func NewServer(gw *Gateway, reg *health.Registry) *Server {
	if reg == nil {
		reg = health.NewRegistry("")
	}
	s := &Server{gw: gw, health: reg, router: mux.NewRouter()}
	s.routes()
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(s.recoverMiddleware)

	s.router.HandleFunc("/health", s.health.HealthHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.health.ReadyHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/live", s.health.LivenessHandler()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.router.HandleFunc("/sql", s.authMiddleware(s.handleSQL)).Methods(http.MethodPost)
	s.router.HandleFunc("/sql/batch", s.authMiddleware(s.handleSQLBatch)).Methods(http.MethodPost)
	s.router.HandleFunc("/sql/txn", s.authMiddleware(s.handleWebSocketTxn)).Methods(http.MethodGet)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/policy/routing", s.authMiddleware(s.handleGetRoutingPolicy)).Methods(http.MethodGet)
	admin.HandleFunc("/policy/routing", s.authMiddleware(s.handleSetRoutingPolicy)).Methods(http.MethodPost)
	admin.HandleFunc("/policy/routing/rollback/{version}", s.authMiddleware(s.handleRollbackRoutingPolicy)).Methods(http.MethodPost)
	admin.HandleFunc("/policy/routing/history", s.authMiddleware(s.handleRoutingHistory)).Methods(http.MethodGet)
	admin.HandleFunc("/policy/routing/diff", s.authMiddleware(s.handleRoutingDiff)).Methods(http.MethodGet)
	admin.HandleFunc("/policy/table/{table}", s.authMiddleware(s.handleGetTablePolicy)).Methods(http.MethodGet)
	admin.HandleFunc("/policy/table/{table}", s.authMiddleware(s.handleSetTablePolicy)).Methods(http.MethodPost)

	admin.HandleFunc("/policy/validate", s.authMiddleware(s.handleValidateConfig)).Methods(http.MethodPost)

	admin.HandleFunc("/shards/health", s.authMiddleware(s.handleShardHealth)).Methods(http.MethodGet)
	admin.HandleFunc("/shards/{id}/metrics", s.authMiddleware(s.handleShardMetrics)).Methods(http.MethodGet)
	admin.HandleFunc("/shards/{id}/bookmark", s.authMiddleware(s.handleShardBookmark)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/{id}/restore", s.authMiddleware(s.handleShardRestore)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/splits", s.authMiddleware(s.handleListSplits)).Methods(http.MethodGet)
	admin.HandleFunc("/shards/split", s.authMiddleware(s.handlePlanSplit)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/split/{id}", s.authMiddleware(s.handleGetSplit)).Methods(http.MethodGet)
	admin.HandleFunc("/shards/split/{id}/dual-write", s.authMiddleware(s.handleStartDualWrite)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/split/{id}/backfill", s.authMiddleware(s.handleRunBackfill)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/split/{id}/tail", s.authMiddleware(s.handleReplayTail)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/split/{id}/cutover", s.authMiddleware(s.handleCutover)).Methods(http.MethodPost)
	admin.HandleFunc("/shards/split/{id}/rollback", s.authMiddleware(s.handleRollbackSplit)).Methods(http.MethodPost)

	admin.HandleFunc("/eventbus/dead-letters", s.authMiddleware(s.handleDeadLetters)).Methods(http.MethodGet)
}

// recoverMiddleware turns a panic anywhere downstream into an
// INTERNAL_ERROR envelope instead of taking down the connection.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.gw.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("recovered from panic in request handler")
				writeError(w, errors.New(errors.CodeInternalError, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type ctxKey int

const ctxKeyAuth ctxKey = iota

// authMiddleware validates the bearer token and stashes the resulting
// AuthContext in the request context for handlers to read.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth, err := s.gw.auth.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAuth, auth)
		next(w, r.WithContext(ctx))
	}
}

func authFromContext(r *http.Request) *types.AuthContext {
	auth, _ := r.Context().Value(ctxKeyAuth).(*types.AuthContext)
	return auth
}

// errorEnvelope is the {success:false, error:{...}} shape every
// non-2xx response renders.
type errorEnvelope struct {
	Success bool       `json:"success"`
	Error   errorBody  `json:"error"`
}

type errorBody struct {
	Code    errors.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := httpStatusForCode(code)

	var details map[string]any
	if ce, ok := err.(*errors.CodedError); ok {
		details = ce.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Success: false,
		Error:   errorBody{Code: code, Message: err.Error(), Details: details},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func intPathVar(r *http.Request, name string) (int, error) {
	return strconv.Atoi(mux.Vars(r)[name])
}

func intQueryVar(r *http.Request, name string) (int, error) {
	return strconv.Atoi(r.URL.Query().Get(name))
}

func httpStatusForCode(code errors.Code) int {
	switch code {
	case errors.CodeInvalidQuery, errors.CodeSQLSyntaxError, errors.CodeInvalidPolicy, errors.CodeInvalidPhase:
		return http.StatusBadRequest
	case errors.CodeAuthInvalidToken, errors.CodeAuthTokenExpired:
		return http.StatusUnauthorized
	case errors.CodeTenantAccessDenied:
		return http.StatusForbidden
	case errors.CodeShardCapacity, errors.CodeConflictUnique, errors.CodeIncompatiblePolicy:
		return http.StatusConflict
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	case errors.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case errors.CodeTransactionNotFound, errors.CodeSplitNotFound:
		return http.StatusNotFound
	case errors.CodeRetryable, errors.CodeSQLError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r)
	var req SQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidQuery, "malformed request body", err))
		return
	}

	table := r.URL.Query().Get("table")
	sessionID := r.Header.Get("X-Session-Id")

	resp, err := s.gw.Execute(r.Context(), auth, table, req, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool        `json:"success"`
		Data    *SQLResponse `json:"data"`
	}{true, resp})
}

// BatchRequest is the decoded body of POST /sql/batch.
type BatchRequest struct {
	Statements []SQLRequest `json:"statements"`
	Table      string       `json:"table"`
}

func (s *Server) handleSQLBatch(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r)
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidQuery, "malformed request body", err))
		return
	}

	sessionID := r.Header.Get("X-Session-Id")
	results := make([]*SQLResponse, 0, len(req.Statements))
	for _, stmt := range req.Statements {
		resp, err := s.gw.Execute(r.Context(), auth, req.Table, stmt, sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		results = append(results, resp)
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool           `json:"success"`
		Data    []*SQLResponse `json:"data"`
	}{true, results})
}

func (s *Server) handleGetRoutingPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.gw.routing.GetCurrentPolicy()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleSetRoutingPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tenants     map[string]string    `json:"tenants"`
		Ranges      []types.RoutingRange `json:"ranges"`
		Description string               `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidPolicy, "malformed request body", err))
		return
	}
	newPolicy := &types.RoutingPolicy{Tenants: req.Tenants, Ranges: req.Ranges}
	version, err := s.gw.routing.UpdateCurrentPolicy(newPolicy, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Version int `json:"version"`
	}{version})
}

func (s *Server) handleRollbackRoutingPolicy(w http.ResponseWriter, r *http.Request) {
	version, err := intPathVar(r, "version")
	if err != nil {
		writeError(w, errors.New(errors.CodeInvalidPolicy, "version must be an integer"))
		return
	}
	if err := s.gw.routing.RollbackToVersion(version); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.gw.routing.GetCurrentPolicy()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRoutingHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.gw.routing.ListVersions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleRoutingDiff(w http.ResponseWriter, r *http.Request) {
	fromV, err1 := intQueryVar(r, "from")
	toV, err2 := intQueryVar(r, "to")
	if err1 != nil || err2 != nil {
		writeError(w, errors.New(errors.CodeInvalidPolicy, "from and to query params must be integers"))
		return
	}
	diff, err := s.gw.routing.GetPolicyDiff(fromV, toV)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *Server) handleGetTablePolicy(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	p, err := s.gw.tables.GetTablePolicy(table)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSetTablePolicy(w http.ResponseWriter, r *http.Request) {
	table := mux.Vars(r)["table"]
	var p types.TablePolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidPolicy, "malformed request body", err))
		return
	}
	p.Table = table
	if err := s.gw.tables.UpdateTablePolicy(p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleShardHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.router.Health())
}

func (s *Server) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.tables.ValidateConfig(); err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidPolicy, "table policy validation failed", err))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Valid bool `json:"valid"`
	}{true})
}

func (s *Server) shardEngine(w http.ResponseWriter, r *http.Request) (*shard.Engine, bool) {
	id := mux.Vars(r)["id"]
	engine, ok := s.gw.shards.Engine(id)
	if !ok {
		writeError(w, errors.New(errors.CodeInternalError, "shard not found: "+id))
		return nil, false
	}
	return engine, true
}

func (s *Server) handleShardMetrics(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.shardEngine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, engine.Metrics())
}

func (s *Server) handleShardBookmark(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.shardEngine(w, r)
	if !ok {
		return
	}
	bm, err := engine.Bookmark(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Bookmark string `json:"bookmark"`
	}{bm})
}

func (s *Server) handleShardRestore(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.shardEngine(w, r)
	if !ok {
		return
	}
	var req struct {
		Bookmark string `json:"bookmark"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidQuery, "malformed request body", err))
		return
	}
	if err := engine.Restore(req.Bookmark); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Bookmark string `json:"bookmark"`
	}{req.Bookmark})
}

func (s *Server) handleListSplits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.splits.List())
}

func (s *Server) handleGetSplit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	plan := s.gw.splits.Get(id)
	if plan == nil {
		writeError(w, errors.New(errors.CodeSplitNotFound, "no such split plan: "+id))
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handlePlanSplit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceShard   string              `json:"sourceShard"`
		TargetShard   string              `json:"targetShard"`
		TenantIDs     []string            `json:"tenantIds"`
		Description   string              `json:"description"`
		TablePolicies []types.TablePolicy `json:"tablePolicies"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidPolicy, "malformed request body", err))
		return
	}
	plan, err := s.gw.splits.PlanSplit(req.SourceShard, req.TargetShard, req.TenantIDs, req.Description, req.TablePolicies)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleStartDualWrite(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	plan, err := s.gw.splits.StartDualWrite(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleRunBackfill(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Pairs []splitter.TableTenantPair `json:"pairs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, errors.Wrap(errors.CodeInvalidPolicy, "malformed request body", err))
		return
	}
	plan, err := s.gw.splits.RunBackfill(r.Context(), id, req.Pairs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleReplayTail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	plan, err := s.gw.splits.ReplayTail(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleCutover(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	plan, err := s.gw.splits.Cutover(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleRollbackSplit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	plan, err := s.gw.splits.Rollback(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.gw.bus == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.gw.bus.DeadLetters())
}

// ListenAndServe starts the HTTP server with 10s read, 30s write and
// 60s idle timeouts.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}
