package shard

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/eventbus"
	"github.com/cuemby/shardsql/pkg/metrics"
)

// checkCapacity enforces the soft hard cap before every mutation,
// recomputing the cached size at most once every 60s.
func (e *Engine) checkCapacity() error {
	e.sizeMu.Lock()
	defer e.sizeMu.Unlock()

	if time.Since(e.sizeCheckedAt) > 60*time.Second {
		size, err := e.currentSizeBytesLocked()
		if err == nil {
			e.cachedSize = size
			e.sizeCheckedAt = time.Now()
			metrics.ShardCapacityBytes.WithLabelValues(e.ShardID).Set(float64(size))
		}
	}

	// MaxBytes is the shard's entire budget: zero grants no capacity at
	// all, so every mutation is rejected (the documented test override).
	if e.cachedSize >= e.maxBytes {
		metrics.ShardCapacityRejectionsTotal.WithLabelValues(e.ShardID).Inc()
		return errors.New(errors.CodeShardCapacity, "shard has reached its configured capacity")
	}
	return nil
}

func (e *Engine) currentSizeBytesLocked() (uint64, error) {
	var pageCount, pageSize int64
	if err := e.readDB.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := e.readDB.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	return uint64(pageCount * pageSize), nil
}

// appendEvent writes one row to _events within the caller's tx.
func appendEvent(tx *sql.Tx, typ string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO _events (ts, type, payload) VALUES (?, ?, ?)`,
		time.Now().UnixMilli(), typ, string(data))
	return err
}

func (e *Engine) publishInvalidation(tenantID, table string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(&eventbus.Event{
		Type:    eventbus.Invalidate,
		ShardID: e.ShardID,
		Version: time.Now().UnixMilli(),
		Keys:    []string{tenantID + ":" + table},
	})
}

// Mutation executes an INSERT/UPDATE/DELETE. If transactionID is set,
// the statement is queued on the open transaction instead of executed
// immediately.
func (e *Engine) Mutation(ctx context.Context, tenantID, table, sqlText string, params []any, transactionID string) (*MutationResult, error) {
	if transactionID != "" {
		e.txMu.Lock()
		tx, ok := e.txs[transactionID]
		if !ok {
			e.txMu.Unlock()
			return nil, errors.New(errors.CodeTransactionNotFound, "transaction not found")
		}
		tx.ops = append(tx.ops, Operation{SQL: sqlText, Params: params})
		tx.lastActive = time.Now()
		e.txMu.Unlock()
		return &MutationResult{ShardID: e.ShardID}, nil
	}

	if err := e.checkCapacity(); err != nil {
		return nil, err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ShardMutationDuration, e.ShardID)

	val, err := e.submit(ctx, func(tx *sql.Tx) (any, error) {
		stmt, err := e.prepared(tx, namedToPositional(sqlText))
		if err != nil {
			return nil, err
		}
		res, err := stmt.ExecContext(ctx, params...)
		if err != nil {
			return nil, err
		}
		affected, _ := res.RowsAffected()
		insertID, _ := res.LastInsertId()
		if err := appendEvent(tx, "mutation", map[string]any{"tenantId": tenantID, "sql": sqlText, "params": params}); err != nil {
			return nil, err
		}
		return &MutationResult{RowsAffected: affected, InsertID: insertID, ShardID: e.ShardID}, nil
	})
	if err != nil {
		return nil, err
	}

	e.publishInvalidation(tenantID, table)
	return val.(*MutationResult), nil
}

// DDL executes a CREATE/ALTER/DROP statement and emits a wildcard
// invalidation on success.
func (e *Engine) DDL(ctx context.Context, tenantID, table, sqlText string, params []any) error {
	_, err := e.submit(ctx, func(tx *sql.Tx) (any, error) {
		if _, err := tx.ExecContext(ctx, sqlText, params...); err != nil {
			return nil, err
		}
		if err := appendEvent(tx, "ddl", map[string]any{"tenantId": tenantID, "sql": sqlText, "params": params}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	e.publishInvalidation(tenantID, "*")
	return nil
}

// MutationBatch executes every operation inside a single atomic
// transaction; on any failure the entire batch is rolled back.
// touchedTables drives the one-invalidation-per-table contract.
func (e *Engine) MutationBatch(ctx context.Context, tenantID string, ops []Operation, touchedTables []string) (*MutationResult, error) {
	if err := e.checkCapacity(); err != nil {
		return nil, err
	}

	val, err := e.submit(ctx, func(tx *sql.Tx) (any, error) {
		var totalAffected int64
		var lastInsertID int64
		for _, op := range ops {
			res, err := tx.ExecContext(ctx, namedToPositional(op.SQL), op.Params...)
			if err != nil {
				return nil, err
			}
			affected, _ := res.RowsAffected()
			totalAffected += affected
			if id, err := res.LastInsertId(); err == nil {
				lastInsertID = id
			}
			if err := appendEvent(tx, "mutation", map[string]any{"tenantId": tenantID, "sql": op.SQL, "params": op.Params}); err != nil {
				return nil, err
			}
		}
		return &MutationResult{RowsAffected: totalAffected, InsertID: lastInsertID, ShardID: e.ShardID}, nil
	})
	if err != nil {
		return nil, err
	}

	for _, table := range touchedTables {
		e.publishInvalidation(tenantID, table)
	}
	return val.(*MutationResult), nil
}

// TxOp is a transaction-management verb.
type TxOp string

const (
	TxBegin    TxOp = "BEGIN"
	TxCommit   TxOp = "COMMIT"
	TxRollback TxOp = "ROLLBACK"
)

// Transaction manages the BEGIN/COMMIT/ROLLBACK lifecycle of a queued
// operation set. A missing transactionID on commit/rollback is a no-op
// success, defensive against session churn.
func (e *Engine) Transaction(ctx context.Context, op TxOp, tenantID, transactionID string) (*MutationResult, error) {
	switch op {
	case TxBegin:
		e.txMu.Lock()
		e.txs[transactionID] = &openTransaction{tenantID: tenantID, lastActive: time.Now()}
		e.txMu.Unlock()
		return &MutationResult{ShardID: e.ShardID}, nil

	case TxCommit:
		e.txMu.Lock()
		tx, ok := e.txs[transactionID]
		if ok {
			delete(e.txs, transactionID)
		}
		e.txMu.Unlock()
		if !ok {
			return &MutationResult{ShardID: e.ShardID}, nil
		}
		tables := make(map[string]struct{})
		for _, o := range tx.ops {
			tables[extractTable(o.SQL)] = struct{}{}
		}
		tableList := make([]string, 0, len(tables))
		for t := range tables {
			tableList = append(tableList, t)
		}
		return e.MutationBatch(ctx, tx.tenantID, tx.ops, tableList)

	case TxRollback:
		e.txMu.Lock()
		delete(e.txs, transactionID)
		e.txMu.Unlock()
		return &MutationResult{ShardID: e.ShardID}, nil

	default:
		return nil, errors.New(errors.CodeInvalidPhase, "unknown transaction op")
	}
}

// extractTable is a best-effort stand-in for per-statement table
// attribution inside a transaction queue. A full SQL parser is out of
// scope; transaction commits invalidate the wildcard prefix instead of
// per-table prefixes, which is always safe, just coarser.
func extractTable(sqlText string) string {
	return "*"
}
