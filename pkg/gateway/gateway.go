// Package gateway implements the Gateway (C7): the request entry
// point that authenticates, validates, and dispatches SQL to the
// router/shard/cache stack, pinning transactions to a shard across a
// session and guarding every shard call with a circuit breaker.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/shardsql/pkg/cache"
	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/eventbus"
	"github.com/cuemby/shardsql/pkg/log"
	"github.com/cuemby/shardsql/pkg/metrics"
	"github.com/cuemby/shardsql/pkg/policy"
	"github.com/cuemby/shardsql/pkg/router"
	"github.com/cuemby/shardsql/pkg/shard"
	"github.com/cuemby/shardsql/pkg/splitter"
	"github.com/cuemby/shardsql/pkg/types"
	"github.com/rs/zerolog"
)

// ShardSet resolves a shardId to the engine that owns it.
type ShardSet interface {
	Engine(shardID string) (*shard.Engine, bool)
}

// staticShardSet is the simplest ShardSet: a fixed map built at startup.
type staticShardSet map[string]*shard.Engine

func (s staticShardSet) Engine(shardID string) (*shard.Engine, bool) {
	e, ok := s[shardID]
	return e, ok
}

// NewStaticShardSet adapts a shardId->engine map into a ShardSet.
func NewStaticShardSet(m map[string]*shard.Engine) ShardSet {
	return staticShardSet(m)
}

// Config controls Gateway construction.
type Config struct {
	MaxConnectionsPerShard int
	SessionIdleTTL         time.Duration
	TxInactivityTimeout    time.Duration
	FailureThreshold       int
	CooldownMs             time.Duration
	JWTSecret              string
}

// Gateway is the request entry point: it authenticates, validates and
// rewrites SQL, resolves consistency modes, and dispatches to the
// router, shard engines, and cache.
type Gateway struct {
	cfg Config

	auth     *Authenticator
	router   *router.Router
	shards   ShardSet
	cache    *cache.Cache
	routing  *policy.Store
	tables   *policy.Store // table policies live on the same Store
	bus      *eventbus.Bus
	splits   *splitter.Orchestrator

	sessions *SessionManager
	pools    *poolRegistry
	breakers *breakerRegistry

	logger zerolog.Logger
}

// New constructs a Gateway. tables may be the same *policy.Store as
// routing (C1 and C2 are backed by one bbolt file in this codebase).
func New(cfg Config, rtr *router.Router, shards ShardSet, c *cache.Cache, routing, tables *policy.Store, bus *eventbus.Bus, split *splitter.Orchestrator) *Gateway {
	if cfg.MaxConnectionsPerShard <= 0 {
		cfg.MaxConnectionsPerShard = 16
	}
	if cfg.SessionIdleTTL <= 0 {
		cfg.SessionIdleTTL = 5 * time.Minute
	}
	if cfg.TxInactivityTimeout <= 0 {
		cfg.TxInactivityTimeout = 60 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CooldownMs <= 0 {
		cfg.CooldownMs = 200 * time.Millisecond
	}

	return &Gateway{
		cfg:      cfg,
		auth:     NewAuthenticator(cfg.JWTSecret),
		router:   rtr,
		shards:   shards,
		cache:    c,
		routing:  routing,
		tables:   tables,
		bus:      bus,
		splits:   split,
		sessions: NewSessionManager(cfg.SessionIdleTTL, cfg.TxInactivityTimeout),
		pools:    newPoolRegistry(cfg.MaxConnectionsPerShard),
		breakers: newBreakerRegistry(cfg.FailureThreshold, cfg.CooldownMs),
		logger:   log.WithComponent("gateway"),
	}
}

// Close stops background goroutines owned by the gateway.
func (g *Gateway) Close() {
	g.sessions.Stop()
}

// SQLRequest is the decoded body of POST /sql.
type SQLRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

// SQLResponse is the success shape of POST /sql.
type SQLResponse struct {
	Rows         []shard.Row `json:"rows,omitempty"`
	RowsAffected *int64      `json:"rowsAffected,omitempty"`
	InsertID     *int64      `json:"insertId,omitempty"`
	Metadata     Metadata    `json:"metadata"`
}

// Metadata accompanies every successful SQL response.
type Metadata struct {
	ShardID       string  `json:"shardId"`
	ExecutionMs   float64 `json:"executionTimeMs"`
	CacheHit      bool    `json:"cacheHit,omitempty"`
	RoutingReason string  `json:"routingReason,omitempty"`
}

// Execute runs one SQL statement on behalf of auth, dispatching through
// the router, shard engine, and cache. table is an
// optional caller-supplied hint used for table-policy lookups and
// shardBy resolution (the gateway does not parse SQL to find it).
func (g *Gateway) Execute(ctx context.Context, auth *types.AuthContext, table string, req SQLRequest, sessionID string) (*SQLResponse, error) {
	strippedSQL, hints := ParseHints(req.SQL)
	if err := ValidateSQL(strippedSQL); err != nil {
		return nil, err
	}

	shardKey := hints.ShardKey
	tablePolicy, err := g.tables.GetTablePolicy(table)
	if err != nil {
		return nil, err
	}
	if shardKey == "" && tablePolicy.ShardBy != "" {
		shardKey = extractParamForColumn(req, tablePolicy.ShardBy)
	}

	target, err := g.router.RouteQuery(auth.TenantID, table, shardKey)
	if err != nil {
		return nil, err
	}

	// Shards host many tenants; the statement itself must be pinned to
	// the caller's tenant, not just routed by it.
	scopedSQL, scopedParams, err := rewriteForTenant(strippedSQL, req.Params, auth.TenantID)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	defer func() {
		metrics.GatewayRequestDuration.WithLabelValues("/sql").Observe(timer.Duration().Seconds())
	}()

	if sessionID != "" {
		if err := g.pinSession(sessionID, auth.TenantID, target.ShardID); err != nil {
			return nil, err
		}
	}

	if isWriteStatement(scopedSQL) {
		resp, err := g.executeWrite(ctx, auth, table, scopedSQL, scopedParams, sessionID, target)
		g.recordOutcome("/sql", err)
		return resp, err
	}

	resp, err := g.executeRead(ctx, auth, table, scopedSQL, scopedParams, hints, tablePolicy, target)
	g.recordOutcome("/sql", err)
	return resp, err
}

func (g *Gateway) recordOutcome(route string, err error) {
	code := "200"
	if err != nil {
		code = string(errors.CodeOf(err))
	}
	metrics.GatewayRequestsTotal.WithLabelValues(route, code).Inc()
}

func (g *Gateway) pinSession(sessionID, tenantID, shardID string) error {
	sess := g.sessions.Get(sessionID)
	if sess == nil {
		return errors.New(errors.CodeTransactionNotFound, "unknown session")
	}
	if sess.TenantID != tenantID {
		return errors.New(errors.CodeTenantAccessDenied, "session does not belong to this tenant")
	}
	return g.sessions.Pin(sessionID, shardID)
}

func (g *Gateway) executeRead(ctx context.Context, auth *types.AuthContext, table, sqlText string, params []any, hints ParsedHints, tablePolicy types.TablePolicy, target *router.ShardTarget) (*SQLResponse, error) {
	mode := cache.ResolveMode(nil, tablePolicy.Cache)
	effectivePolicy := tablePolicy.Cache
	if hints.Cache != nil {
		mode = hints.Cache.Mode
		if hints.Cache.Mode == types.CacheModeBounded && hints.Cache.BoundedMs > 0 {
			effectivePolicy.TTLMs = hints.Cache.BoundedMs
			if effectivePolicy.SWRMs <= effectivePolicy.TTLMs {
				effectivePolicy.SWRMs = effectivePolicy.TTLMs
			}
		}
	}

	alwaysStrong := touchesAlwaysStrongColumn(sqlText, tablePolicy.Cache.AlwaysStrongColumns)
	shardID := g.router.ResolveReadShard(auth.TenantID, target)
	key := g.cache.QueryKey(auth.TenantID, table, sqlText, params)

	execMs := -1.0
	data, err := g.cache.Read(ctx, key, mode, effectivePolicy, alwaysStrong, func(ctx context.Context) (any, string, error) {
		res, err := g.queryShard(ctx, shardID, auth.TenantID, sqlText, params)
		if err != nil {
			return nil, shardID, err
		}
		execMs = res.ExecMs
		return res.Rows, shardID, nil
	})
	if err != nil {
		return nil, err
	}
	rows, _ := data.([]shard.Row)
	fromCache := execMs < 0
	if fromCache {
		execMs = 0
	}

	return &SQLResponse{
		Rows: rows,
		Metadata: Metadata{
			ShardID:       shardID,
			ExecutionMs:   execMs,
			CacheHit:      fromCache,
			RoutingReason: target.RoutingReason,
		},
	}, nil
}

func (g *Gateway) queryShard(ctx context.Context, shardID, tenantID, sqlText string, params []any) (*shard.QueryResult, error) {
	engine, ok := g.shards.Engine(shardID)
	if !ok {
		return nil, errors.New(errors.CodeInternalError, "shard not found: "+shardID)
	}

	pool := g.pools.get(shardID)
	if err := pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer pool.Release(false)

	var result *shard.QueryResult
	err := g.breakers.Call(shardID, func() error {
		var err error
		result, err = engine.Query(ctx, tenantID, sqlText, params)
		return err
	})
	return result, err
}

func (g *Gateway) executeWrite(ctx context.Context, auth *types.AuthContext, table, sqlText string, params []any, sessionID string, target *router.ShardTarget) (*SQLResponse, error) {
	if err := g.router.CheckMutationAllowed(auth.TenantID); err != nil {
		return nil, err
	}

	transactionID := ""
	if sessionID != "" {
		if sess := g.sessions.Get(sessionID); sess != nil {
			transactionID = sess.TransactionID
		}
	}

	shards := g.router.ResolveWriteShards(auth.TenantID, target)
	outcome := router.DualWrite(ctx, shards, func(ctx context.Context, shardID string) (any, error) {
		return g.mutateShard(ctx, shardID, auth.TenantID, table, sqlText, params, transactionID)
	})
	if outcome.SourceErr != nil {
		return nil, outcome.SourceErr
	}
	if outcome.TargetErr != nil {
		// A unique conflict means the row already exists on the target;
		// the source write stands and the plan is flagged so operators
		// reconcile the divergence. Any other target failure fails the
		// whole write: both shards must accept it during a split.
		if errors.CodeOf(outcome.TargetErr) != errors.CodeConflictUnique {
			return nil, outcome.TargetErr
		}
		g.logger.Warn().Str("tenant_id", auth.TenantID).Err(outcome.TargetErr).Msg("dual-write target rejected a unique key; source write stands, flagging plan for reconciliation")
		if g.splits != nil {
			g.splits.FlagReconciliation(auth.TenantID, "dual-write unique conflict on target: "+outcome.TargetErr.Error())
		}
	}

	res, _ := outcome.SourceResult.(*shard.MutationResult)
	g.emitDefenseInDepthInvalidation(auth.TenantID, table)

	return &SQLResponse{
		RowsAffected: ptr(res.RowsAffected),
		InsertID:     ptr(res.InsertID),
		Metadata:     Metadata{ShardID: res.ShardID, RoutingReason: target.RoutingReason},
	}, nil
}

func (g *Gateway) mutateShard(ctx context.Context, shardID, tenantID, table, sqlText string, params []any, transactionID string) (*shard.MutationResult, error) {
	engine, ok := g.shards.Engine(shardID)
	if !ok {
		return nil, errors.New(errors.CodeInternalError, "shard not found: "+shardID)
	}

	pool := g.pools.get(shardID)
	if err := pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer pool.Release(false)

	var result *shard.MutationResult
	err := g.breakers.Call(shardID, func() error {
		var err error
		result, err = engine.Mutation(ctx, tenantID, table, sqlText, params, transactionID)
		return err
	})
	return result, err
}

// emitDefenseInDepthInvalidation publishes a secondary invalidation
// event directly from the gateway, guarding against the producer-side
// (shard engine) event being lost.
func (g *Gateway) emitDefenseInDepthInvalidation(tenantID, table string) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(&eventbus.Event{
		Type:    eventbus.Invalidate,
		Version: time.Now().UnixMilli(),
		Keys:    []string{tenantID + ":" + table},
	})
}

func ptr[T any](v T) *T { return &v }

func isWriteStatement(sqlText string) bool {
	upper := upperFirstWord(sqlText)
	switch upper {
	case "INSERT", "UPDATE", "DELETE", "CREATE", "ALTER", "DROP":
		return true
	default:
		return false
	}
}

func upperFirstWord(sqlText string) string {
	i := 0
	for i < len(sqlText) && (sqlText[i] == ' ' || sqlText[i] == '\t' || sqlText[i] == '\n') {
		i++
	}
	j := i
	for j < len(sqlText) && sqlText[j] != ' ' && sqlText[j] != '\t' && sqlText[j] != '\n' && sqlText[j] != '(' {
		j++
	}
	word := sqlText[i:j]
	out := make([]byte, len(word))
	for k := 0; k < len(word); k++ {
		c := word[k]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[k] = c
	}
	return string(out)
}

// extractParamForColumn is a best-effort shardBy value lookup: it looks
// for a "<column> = ?" or "<column>=?" occurrence and returns the
// positional parameter bound there. Returns "" if it cannot determine
// one, in which case routing falls through to the stable-hash fallback.
func extractParamForColumn(req SQLRequest, column string) string {
	idx := positionalIndexForColumn(req.SQL, column)
	if idx < 0 || idx >= len(req.Params) {
		return ""
	}
	switch v := req.Params[idx].(type) {
	case string:
		return v
	default:
		return ""
	}
}

func positionalIndexForColumn(sqlText, column string) int {
	count := 0
	for i := 0; i < len(sqlText); i++ {
		if sqlText[i] == '?' {
			// crude lookback: does the text immediately preceding this
			// placeholder (modulo whitespace/operators) mention column?
			start := i - 1
			for start >= 0 && (sqlText[start] == ' ' || sqlText[start] == '=' || sqlText[start] == '\t') {
				start--
			}
			end := start + 1
			for start >= 0 && isIdentChar(sqlText[start]) {
				start--
			}
			if sqlText[start+1:end] == column {
				return count
			}
			count++
		}
	}
	return -1
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// touchesAlwaysStrongColumn reports whether the query references any
// column the table policy marks always-strong; such reads bypass the
// cache regardless of hint or policy mode.
func touchesAlwaysStrongColumn(sqlText string, columns []string) bool {
	for _, col := range columns {
		if queryTouchesColumn(sqlText, col) {
			return true
		}
	}
	return false
}

// queryTouchesColumn scans for column appearing as a standalone
// identifier outside string literals. SQL identifiers compare
// case-insensitively; double quotes delimit identifiers, not strings,
// so a quoted column name still matches.
func queryTouchesColumn(sqlText, column string) bool {
	if column == "" {
		return false
	}
	n := len(column)
	inString := false
	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]
		if inString {
			if c == '\'' {
				inString = false
			}
			continue
		}
		if c == '\'' {
			inString = true
			continue
		}
		if i+n <= len(sqlText) && strings.EqualFold(sqlText[i:i+n], column) {
			boundedLeft := i == 0 || !isIdentChar(sqlText[i-1])
			boundedRight := i+n == len(sqlText) || !isIdentChar(sqlText[i+n])
			if boundedLeft && boundedRight {
				return true
			}
		}
	}
	return false
}
