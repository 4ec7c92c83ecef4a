package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cuemby/shardsql/pkg/errors"
	"github.com/cuemby/shardsql/pkg/shard"
	"github.com/cuemby/shardsql/pkg/types"
)

// upgrader accepts cross-origin upgrades; the gateway's bearer-token
// auth middleware is what actually gates access, not the WebSocket
// handshake's Origin header.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// txnMessage is one frame of the /sql/txn client protocol.
type txnMessage struct {
	Op       string `json:"op"` // begin|exec|commit|rollback
	Table    string `json:"table,omitempty"`
	ShardKey string `json:"shardKey,omitempty"`
	SQL      string `json:"sql,omitempty"`
	Params   []any  `json:"params,omitempty"`
}

// txnReply is one frame of the server's response stream.
type txnReply struct {
	Op           string      `json:"op"`
	SessionID    string      `json:"sessionId,omitempty"`
	Success      bool        `json:"success"`
	Rows         []shard.Row `json:"rows,omitempty"`
	RowsAffected *int64      `json:"rowsAffected,omitempty"`
	Error        *errorBody  `json:"error,omitempty"`
}

// handleWebSocketTxn implements the sticky transaction session
// protocol: a client opens one WebSocket connection per
// transaction and exchanges begin/exec/commit/rollback frames, all of
// which are guaranteed to land on the same shard.
func (s *Server) handleWebSocketTxn(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.gw.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sess := s.gw.sessions.Open(auth.TenantID)
	defer s.gw.sessions.Close(sess.ID)

	_ = conn.WriteJSON(txnReply{Op: "ready", SessionID: sess.ID, Success: true})

	for {
		var msg txnMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Op {
		case "begin":
			s.handleTxnBegin(conn, auth.TenantID, sess.ID, msg)
		case "exec":
			s.handleTxnExec(conn, r, auth, sess.ID, msg)
		case "commit":
			s.handleTxnEnd(conn, sess.ID, shard.TxCommit)
		case "rollback":
			s.handleTxnEnd(conn, sess.ID, shard.TxRollback)
		default:
			writeTxnError(conn, "unrecognized", errors.New(errors.CodeInvalidQuery, "unknown op: "+msg.Op))
		}
	}
}

func (s *Server) handleTxnBegin(conn *websocket.Conn, tenantID, sessionID string, msg txnMessage) {
	target, err := s.gw.router.RouteQuery(tenantID, msg.Table, msg.ShardKey)
	if err != nil {
		writeTxnError(conn, "begin", err)
		return
	}
	if err := s.gw.sessions.Pin(sessionID, target.ShardID); err != nil {
		writeTxnError(conn, "begin", err)
		return
	}

	engine, ok := s.gw.shards.Engine(target.ShardID)
	if !ok {
		writeTxnError(conn, "begin", errors.New(errors.CodeInternalError, "shard not found: "+target.ShardID))
		return
	}

	transactionID := uuid.NewString()
	ctx, cancel := timeoutCtx()
	defer cancel()
	if _, err := engine.Transaction(ctx, shard.TxBegin, tenantID, transactionID); err != nil {
		writeTxnError(conn, "begin", err)
		return
	}
	if err := s.gw.sessions.BeginTransaction(sessionID, transactionID); err != nil {
		writeTxnError(conn, "begin", err)
		return
	}

	_ = conn.WriteJSON(txnReply{Op: "begin", Success: true})
}

func (s *Server) handleTxnExec(conn *websocket.Conn, r *http.Request, auth *types.AuthContext, sessionID string, msg txnMessage) {
	resp, err := s.gw.Execute(r.Context(), auth, msg.Table, SQLRequest{SQL: msg.SQL, Params: msg.Params}, sessionID)
	if err != nil {
		writeTxnError(conn, "exec", err)
		return
	}
	_ = conn.WriteJSON(txnReply{Op: "exec", Success: true, Rows: resp.Rows, RowsAffected: resp.RowsAffected})
}

func (s *Server) handleTxnEnd(conn *websocket.Conn, sessionID string, op shard.TxOp) {
	sess := s.gw.sessions.Get(sessionID)
	if sess == nil || sess.ShardID == "" {
		writeTxnError(conn, string(op), errors.New(errors.CodeTransactionNotFound, "no open transaction for this session"))
		return
	}
	engine, ok := s.gw.shards.Engine(sess.ShardID)
	if !ok {
		writeTxnError(conn, string(op), errors.New(errors.CodeInternalError, "shard not found: "+sess.ShardID))
		return
	}

	ctx, cancel := timeoutCtx()
	defer cancel()
	if _, err := engine.Transaction(ctx, op, sess.TenantID, sess.TransactionID); err != nil {
		writeTxnError(conn, string(op), err)
		return
	}
	s.gw.sessions.EndTransaction(sessionID)

	reply := "commit"
	if op == shard.TxRollback {
		reply = "rollback"
	}
	_ = conn.WriteJSON(txnReply{Op: reply, Success: true})
}

func writeTxnError(conn *websocket.Conn, op string, err error) {
	code := errors.CodeOf(err)
	_ = conn.WriteJSON(txnReply{
		Op:      op,
		Success: false,
		Error:   &errorBody{Code: code, Message: err.Error()},
	})
}

func timeoutCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
