// Package shard implements the Shard Storage Engine (C3): a
// single-writer, transactional SQL store per shard on top of
// modernc.org/sqlite, reached only through parameter-bound statements.
//
// Each Engine owns one exclusive writer goroutine (an actor, in the
// spirit of this codebase's worker-per-resource idiom) that serializes
// every mutating statement against the shard; reads are served from a
// separate pool of connections that SQLite's WAL mode lets run
// concurrently with the writer.
package shard

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/eventbus"
	"github.com/cuemby/shardsql/pkg/log"
	"github.com/cuemby/shardsql/pkg/metrics"
	"github.com/rs/zerolog"
)

// Row is a single result row, column name to value.
type Row map[string]any

// QueryResult is the return shape of Query.
type QueryResult struct {
	Rows     []Row
	ShardID  string
	ExecMs   float64
}

// MutationResult is the return shape of Mutation/MutationBatch.
type MutationResult struct {
	RowsAffected int64
	InsertID     int64
	ShardID      string
}

// Operation is one statement of a batch or transaction queue.
type Operation struct {
	SQL    string
	Params []any
}

// Engine owns one shard's SQLite file.
type Engine struct {
	ShardID string

	writeDB *sql.DB // single connection, actor-owned
	readDB  *sql.DB // pooled, concurrent reads

	maxBytes uint64

	commands chan actorCommand

	stmtCache *lru.Cache[string, *sql.Stmt]

	sizeMu        sync.Mutex
	cachedSize    uint64
	sizeCheckedAt time.Time

	txMu      sync.Mutex
	txs       map[string]*openTransaction
	txTimeout time.Duration

	restoreWatermark atomic.Int64 // 0 = no restore pinned

	bus    *eventbus.Bus
	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

type openTransaction struct {
	tenantID   string
	ops        []Operation
	lastActive time.Time
}

type actorCommand struct {
	run    func(tx *sql.Tx) (any, error)
	result chan actorResult
}

type actorResult struct {
	val any
	err error
}

// Config controls Engine construction.
type Config struct {
	DataDir string
	// MaxBytes caps the shard's on-disk size. Zero means no capacity at
	// all: every mutation fails with SHARD_CAPACITY.
	MaxBytes uint64
	Bus      *eventbus.Bus
	// TxInactivityTimeout bounds how long a queued transaction may sit
	// without activity before the sweeper rolls it back. Zero means the
	// 60s default.
	TxInactivityTimeout time.Duration
}

// New opens (creating if absent) the SQLite file for a shard and starts
// its writer actor.
func New(shardID string, cfg Config) (*Engine, error) {
	path := filepath.Join(cfg.DataDir, fmt.Sprintf("shard-%s.db", shardID))
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening shard %s write handle: %w", shardID, err)
	}
	// One connection carries the actor's transaction; the second exists
	// solely so statement preparation can proceed while that
	// transaction is open. Writes stay serialized through the actor.
	writeDB.SetMaxOpenConns(2)

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("opening shard %s read handle: %w", shardID, err)
	}
	readDB.SetMaxOpenConns(8)

	stmtCache, _ := lru.NewWithEvict[string, *sql.Stmt](200, func(_ string, stmt *sql.Stmt) {
		_ = stmt.Close()
	})

	txTimeout := cfg.TxInactivityTimeout
	if txTimeout <= 0 {
		txTimeout = 60 * time.Second
	}

	e := &Engine{
		ShardID:   shardID,
		writeDB:   writeDB,
		readDB:    readDB,
		maxBytes:  cfg.MaxBytes,
		commands:  make(chan actorCommand, 64),
		stmtCache: stmtCache,
		txs:       make(map[string]*openTransaction),
		txTimeout: txTimeout,
		bus:       cfg.Bus,
		logger:    log.WithComponent("shard").With().Str("shard_id", shardID).Logger(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if err := e.ensureSchema(); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}
	if err := e.loadRestoreWatermark(); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}

	go e.runActor()
	go e.runTxSweeper()
	return e, nil
}

// loadRestoreWatermark consumes a restore scheduled by a prior session:
// the watermark is applied to this session's change-log view and the
// marker cleared so a later open starts live again.
func (e *Engine) loadRestoreWatermark() error {
	var v string
	err := e.writeDB.QueryRow(`SELECT v FROM _meta WHERE k = 'restore_watermark'`).Scan(&v)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt restore watermark %q: %w", v, err)
	}
	e.restoreWatermark.Store(id)
	_, err = e.writeDB.Exec(`DELETE FROM _meta WHERE k = 'restore_watermark'`)
	return err
}

func (e *Engine) runTxSweeper() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepExpiredTransactions()
		case <-e.stopCh:
			return
		}
	}
}

// sweepExpiredTransactions rolls back queued transactions whose last
// activity is older than the inactivity timeout. The queue is discarded
// unapplied, matching an explicit ROLLBACK.
func (e *Engine) sweepExpiredTransactions() {
	e.txMu.Lock()
	var expired []string
	now := time.Now()
	for id, tx := range e.txs {
		if now.Sub(tx.lastActive) > e.txTimeout {
			delete(e.txs, id)
			expired = append(expired, id)
		}
	}
	e.txMu.Unlock()

	for _, id := range expired {
		e.logger.Warn().Str("transaction_id", id).Dur("timeout", e.txTimeout).Msg("transaction expired without commit, rolled back")
	}
}

func (e *Engine) ensureSchema() error {
	_, err := e.writeDB.Exec(`
		CREATE TABLE IF NOT EXISTS _events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS _meta (
			k TEXT PRIMARY KEY,
			v TEXT NOT NULL
		);
	`)
	return err
}

// Close stops the writer actor and closes both handles.
func (e *Engine) Close() error {
	close(e.stopCh)
	<-e.doneCh
	e.stmtCache.Purge()
	_ = e.writeDB.Close()
	return e.readDB.Close()
}

func (e *Engine) runActor() {
	defer close(e.doneCh)
	for {
		select {
		case cmd := <-e.commands:
			cmd.result <- e.runInTransaction(cmd.run)
		case <-e.stopCh:
			return
		}
	}
}

// runInTransaction wraps fn in BEGIN/COMMIT/ROLLBACK (a database/sql
// transaction with default options), following the synchronous-transaction pattern: fn's error rolls back,
// fn's success commits.
func (e *Engine) runInTransaction(fn func(tx *sql.Tx) (any, error)) actorResult {
	tx, err := e.writeDB.BeginTx(context.Background(), nil)
	if err != nil {
		return actorResult{err: classifyError(err)}
	}

	val, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return actorResult{err: classifyError(err)}
	}
	if err := tx.Commit(); err != nil {
		return actorResult{err: classifyError(err)}
	}
	return actorResult{val: val}
}

// submit dispatches a closure to the actor and waits for its result.
func (e *Engine) submit(ctx context.Context, fn func(tx *sql.Tx) (any, error)) (any, error) {
	resultCh := make(chan actorResult, 1)
	select {
	case e.commands <- actorCommand{run: fn, result: resultCh}:
	case <-ctx.Done():
		return nil, errors.New(errors.CodeTimeout, "shard actor submission timed out")
	case <-e.stopCh:
		return nil, errors.New(errors.CodeInternalError, "shard engine stopped")
	}

	select {
	case r := <-resultCh:
		return r.val, r.err
	case <-ctx.Done():
		return nil, errors.New(errors.CodeTimeout, "shard actor call timed out")
	}
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint"):
		return errors.Wrap(errors.CodeConflictUnique, "unique key violation", err)
	case strings.Contains(msg, "syntax error"):
		return errors.Wrap(errors.CodeSQLSyntaxError, "sql syntax error", err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "locked"):
		return errors.Wrap(errors.CodeRetryable, "shard busy, retry", err)
	default:
		return errors.Wrap(errors.CodeSQLError, "sql execution error", err)
	}
}

// prepared returns a cached *sql.Stmt for sqlText within tx's
// connection, priming the statement advisory cache (cap 200, LRU
// eviction).
func (e *Engine) prepared(tx *sql.Tx, sqlText string) (*sql.Stmt, error) {
	if stmt, ok := e.stmtCache.Get(sqlText); ok {
		// sql.Stmt prepared on the DB handle is reusable across
		// transactions via Tx.StmtContext.
		return tx.StmtContext(context.Background(), stmt), nil
	}
	stmt, err := e.writeDB.Prepare(sqlText)
	if err != nil {
		return nil, err
	}
	e.stmtCache.Add(sqlText, stmt)
	return tx.StmtContext(context.Background(), stmt), nil
}

func namedToPositional(query string) string {
	// Accepts ":name" placeholders and rewrites them to positional "?"
	// in declaration order, per the wire-compatibility note in the
	// external interfaces section. A real driver-level implementation
	// would track the name->index mapping for re-use; this engine only
	// needs positional binding since params already arrive ordered.
	if !strings.Contains(query, ":") {
		return query
	}
	var b strings.Builder
	inQuote := rune(0)
	skipIdent := false
	for _, r := range query {
		if skipIdent {
			if isIdentRune(r) {
				continue
			}
			skipIdent = false
		}
		if inQuote != 0 {
			b.WriteRune(r)
			if r == inQuote {
				inQuote = 0
			}
			continue
		}
		switch r {
		case '\'', '"':
			inQuote = r
			b.WriteRune(r)
		case ':':
			b.WriteRune('?')
			skipIdent = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isIdentRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// Query executes a SELECT and returns rows plus execution metadata.
func (e *Engine) Query(ctx context.Context, tenantID, sqlText string, params []any) (*QueryResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ShardQueryDuration, e.ShardID)

	rows, err := e.readDB.QueryContext(ctx, namedToPositional(sqlText), params...)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classifyError(err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classifyError(err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}

	return &QueryResult{Rows: out, ShardID: e.ShardID, ExecMs: timer.Duration().Seconds() * 1000}, nil
}
