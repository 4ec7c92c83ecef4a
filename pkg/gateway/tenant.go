package gateway

import (
	"strings"

	"github.com/cuemby/shardsql/pkg/errors"
)

// tenantColumn is the row-ownership column every tenant-scoped table
// carries. The gateway pins it on each dispatched statement so no query
// can cross tenants on a shard that hosts several of them.
const tenantColumn = "tenant_id"

// rewriteForTenant scopes a statement to the caller's tenant before it
// reaches a shard. Reads, updates, and deletes gain a top-level
// `tenant_id = ?` predicate bound to tenantID; inserts that name the
// tenant column have their bound value checked against the caller.
// Statements with no table surface (SELECT without FROM) and DDL pass
// through unchanged.
func rewriteForTenant(sqlText string, params []any, tenantID string) (string, []any, error) {
	switch upperFirstWord(sqlText) {
	case "SELECT", "UPDATE", "DELETE":
		scoped, scopedParams := scopeToTenant(sqlText, params, tenantID)
		return scoped, scopedParams, nil
	case "INSERT":
		return sqlText, params, verifyInsertTenant(sqlText, params, tenantID)
	default:
		return sqlText, params, nil
	}
}

// topLevelIndex returns the byte offset of the first occurrence of word
// outside string literals and parentheses, or -1. Matches are bounded
// by non-identifier characters and compare case-insensitively.
func topLevelIndex(sqlText, word string) int {
	n := len(word)
	inQuote := false
	depth := 0
	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]
		if inQuote {
			if c == '\'' {
				inQuote = false
			}
			continue
		}
		switch c {
		case '\'':
			inQuote = true
			continue
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		if i+n <= len(sqlText) && strings.EqualFold(sqlText[i:i+n], word) {
			left := i == 0 || !isIdentChar(sqlText[i-1])
			right := i+n == len(sqlText) || !isIdentChar(sqlText[i+n])
			if left && right {
				return i
			}
		}
	}
	return -1
}

// countPlaceholders counts positional `?` markers outside string
// literals, giving the params index a placeholder at that offset binds.
func countPlaceholders(sqlText string) int {
	count := 0
	inQuote := false
	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]
		if inQuote {
			if c == '\'' {
				inQuote = false
			}
			continue
		}
		switch c {
		case '\'':
			inQuote = true
		case '?':
			count++
		}
	}
	return count
}

func insertParam(params []any, at int, v any) []any {
	if at > len(params) {
		at = len(params)
	}
	out := make([]any, 0, len(params)+1)
	out = append(out, params[:at]...)
	out = append(out, v)
	return append(out, params[at:]...)
}

// scopeToTenant injects `tenant_id = ?` into a SELECT/UPDATE/DELETE.
// An existing WHERE clause is wrapped in parentheses so OR-joined
// predicates cannot escape the tenant bound; otherwise a WHERE clause
// is inserted ahead of any trailing GROUP/ORDER/LIMIT/OFFSET clause.
func scopeToTenant(sqlText string, params []any, tenantID string) (string, []any) {
	sqlText = strings.TrimRight(strings.TrimSpace(sqlText), "; \t\n")

	if upperFirstWord(sqlText) == "SELECT" && topLevelIndex(sqlText, "FROM") < 0 {
		return sqlText, params
	}

	tail := len(sqlText)
	for _, kw := range []string{"GROUP", "ORDER", "LIMIT", "OFFSET"} {
		if idx := topLevelIndex(sqlText, kw); idx >= 0 && idx < tail {
			tail = idx
		}
	}

	if whereIdx := topLevelIndex(sqlText, "WHERE"); whereIdx >= 0 && whereIdx < tail {
		predStart := whereIdx + len("WHERE")
		pred := strings.TrimSpace(sqlText[predStart:tail])
		scoped := sqlText[:predStart] + " " + tenantColumn + " = ? AND (" + pred + ")"
		if tail < len(sqlText) {
			scoped += " " + sqlText[tail:]
		}
		return scoped, insertParam(params, countPlaceholders(sqlText[:predStart]), tenantID)
	}

	head := strings.TrimRight(sqlText[:tail], " \t\n")
	scoped := head + " WHERE " + tenantColumn + " = ?"
	if tail < len(sqlText) {
		scoped += " " + sqlText[tail:]
	}
	return scoped, insertParam(params, countPlaceholders(head), tenantID)
}

// insertColumns parses the column list of `INSERT INTO t (...) VALUES`,
// or nil when the statement has no explicit column list.
func insertColumns(sqlText string) []string {
	valIdx := topLevelIndex(sqlText, "VALUES")
	if valIdx < 0 {
		return nil
	}
	open := strings.IndexByte(sqlText[:valIdx], '(')
	if open < 0 {
		return nil
	}
	closeOff := strings.IndexByte(sqlText[open:valIdx], ')')
	if closeOff < 0 {
		return nil
	}
	parts := strings.Split(sqlText[open+1:open+closeOff], ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		cols = append(cols, strings.Trim(strings.TrimSpace(p), "`\""))
	}
	return cols
}

// verifyInsertTenant checks every VALUES tuple of an INSERT that names
// the tenant column: a bound or literal value that is determinable and
// differs from the caller's tenant is rejected. Values that are
// expressions (neither `?` nor a string literal) pass through.
func verifyInsertTenant(sqlText string, params []any, tenantID string) error {
	cols := insertColumns(sqlText)
	tenantIdx := -1
	for i, c := range cols {
		if strings.EqualFold(c, tenantColumn) {
			tenantIdx = i
			break
		}
	}
	if tenantIdx < 0 {
		return nil
	}

	valIdx := topLevelIndex(sqlText, "VALUES")
	check := func(start, end int) error {
		expr := strings.TrimSpace(sqlText[start:end])
		switch {
		case expr == "?":
			idx := countPlaceholders(sqlText[:start])
			if idx < len(params) {
				if s, ok := params[idx].(string); ok && s != tenantID {
					return errors.New(errors.CodeTenantAccessDenied, "insert value for "+tenantColumn+" does not match the caller's tenant")
				}
			}
		case len(expr) >= 2 && expr[0] == '\'' && expr[len(expr)-1] == '\'':
			literal := strings.ReplaceAll(expr[1:len(expr)-1], "''", "'")
			if literal != tenantID {
				return errors.New(errors.CodeTenantAccessDenied, "insert value for "+tenantColumn+" does not match the caller's tenant")
			}
		}
		return nil
	}

	inQuote := false
	depth := 0
	exprIdx := 0
	exprStart := -1
	for i := valIdx; i < len(sqlText); i++ {
		c := sqlText[i]
		if inQuote {
			if c == '\'' {
				inQuote = false
			}
			continue
		}
		switch c {
		case '\'':
			inQuote = true
		case '(':
			depth++
			if depth == 1 {
				exprIdx = 0
				exprStart = i + 1
			}
		case ')':
			if depth == 1 && exprIdx == tenantIdx {
				if err := check(exprStart, i); err != nil {
					return err
				}
			}
			depth--
		case ',':
			if depth == 1 {
				if exprIdx == tenantIdx {
					if err := check(exprStart, i); err != nil {
						return err
					}
				}
				exprIdx++
				exprStart = i + 1
			}
		}
	}
	return nil
}
