package query_tools

import (
	"errors"
	"fmt"
	"strings"
)

// blockedKeywords are rejected anywhere in a statement. Matching is by
// substring, so identifiers such as "updated_at" are rejected too. The
// projection's read-only connection is the real guarantee.
var blockedKeywords = []string{
	"insert", "update", "delete", "drop", "create", "alter", "truncate",
	"replace", "attach", "detach", "pragma", "vacuum", "reindex",
	"grant", "revoke", "copy",
}

var (
	// ErrNotSelect is returned for statements that do not begin with SELECT.
	ErrNotSelect = errors.New("only SELECT statements are allowed")

	// ErrBlockedKeyword is returned for statements containing a write, DDL or
	// pragma keyword.
	ErrBlockedKeyword = errors.New("statement contains a disallowed keyword")
)

// checkStatement applies the lexical read-only guard.
func checkStatement(sql string) error {
	normalized := strings.ToLower(strings.TrimSpace(sql))
	if !strings.HasPrefix(normalized, "select") {
		return ErrNotSelect
	}
	for _, kw := range blockedKeywords {
		if strings.Contains(normalized, kw) {
			return fmt.Errorf("%w: %q", ErrBlockedKeyword, kw)
		}
	}
	return nil
}
