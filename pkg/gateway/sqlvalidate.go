package gateway

import (
	"regexp"
	"strings"

	"github.com/cuemby/shardsql/pkg/errors"
)

const (
	minSQLLength = 3
	maxSQLLength = 10_000
)

// injectionSignatures are literal substrings that are never legitimate
// in a parameter-bound statement; their presence is the hallmark of a
// concatenated-value injection attempt rather than an application bug.
var injectionSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)--\s*$`),
	regexp.MustCompile(`(?i)/\*.*\*/\s*$`),
	regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`),
	regexp.MustCompile(`(?i)\bunion\b.{0,40}\bselect\b`),
	regexp.MustCompile(`(?i);\s*drop\s+table\b`),
	regexp.MustCompile(`(?i)\bxp_cmdshell\b`),
}

// keywordStackingPattern flags a second statement-starting keyword
// following a semicolon, the shape of stacked/multi-statement text.
var keywordStackingPattern = regexp.MustCompile(`(?i);\s*(select|insert|update|delete|create|alter|drop|grant|revoke)\b`)

// ValidateSQL enforces length bounds, balanced quotes and
// parentheses, no multi-statement text, no keyword stacking outside a
// single statement, and no known injection signature. It operates on
// the SQL text after query hints have been stripped.
func ValidateSQL(sqlText string) error {
	trimmed := strings.TrimSpace(sqlText)
	if len(trimmed) < minSQLLength || len(trimmed) > maxSQLLength {
		return errors.New(errors.CodeInvalidQuery, "sql text length out of bounds")
	}

	if err := checkBalanced(trimmed); err != nil {
		return err
	}

	if countStatements(trimmed) > 1 {
		return errors.New(errors.CodeInvalidQuery, "multi-statement sql text is not allowed")
	}

	if keywordStackingPattern.MatchString(trimmed) {
		return errors.New(errors.CodeInvalidQuery, "stacked statement keywords are not allowed")
	}

	for _, sig := range injectionSignatures {
		if sig.MatchString(trimmed) {
			return errors.New(errors.CodeInvalidQuery, "sql text matches a known injection signature")
		}
	}

	return nil
}

// countStatements counts top-level semicolon-delimited statements,
// ignoring semicolons inside quoted strings and a single trailing
// semicolon (a common client-side convention).
func countStatements(sqlText string) int {
	body := strings.TrimRight(sqlText, " \t\n;")
	count := 1
	inQuote := rune(0)
	for _, r := range body {
		if inQuote != 0 {
			if r == inQuote {
				inQuote = 0
			}
			continue
		}
		switch r {
		case '\'', '"':
			inQuote = r
		case ';':
			count++
		}
	}
	return count
}

// checkBalanced verifies parentheses and quotes close, outside of
// quoted regions for parens and consistently for quotes themselves.
func checkBalanced(sqlText string) error {
	depth := 0
	inQuote := rune(0)
	for _, r := range sqlText {
		if inQuote != 0 {
			if r == inQuote {
				inQuote = 0
			}
			continue
		}
		switch r {
		case '\'', '"':
			inQuote = r
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return errors.New(errors.CodeInvalidQuery, "unbalanced parentheses in sql text")
			}
		}
	}
	if depth != 0 {
		return errors.New(errors.CodeInvalidQuery, "unbalanced parentheses in sql text")
	}
	if inQuote != 0 {
		return errors.New(errors.CodeInvalidQuery, "unbalanced quotes in sql text")
	}
	return nil
}
