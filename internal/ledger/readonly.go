package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// ErrQueryRejected is returned when an ad hoc query fails the read-only
// gate.
var ErrQueryRejected = errors.New("query rejected: only read-only SELECT statements are allowed")

// deniedKeywords are matched as case-insensitive substrings anywhere in
// the statement, including inside quoted literals and aliases. This is a
// deliberately blunt denylist, not a parser: a column named "drop_rate"
// is rejected too. The READ ONLY transaction in the store is what actually
// prevents writes; this gate only fails fast on the obvious cases.
var deniedKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create",
	"truncate", "grant", "revoke", "merge", "call", "copy",
	"pg_catalog", "information_schema", "pg_",
}

// ValidateReadOnly checks that a caller-supplied statement is a single
// read-only query: it must begin with SELECT or WITH and must not contain
// any data-modification or system-catalog keyword.
func ValidateReadOnly(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return fmt.Errorf("%w: empty statement", ErrQueryRejected)
	}

	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return fmt.Errorf("%w: statement must begin with SELECT", ErrQueryRejected)
	}

	// Reject stacked statements outright.
	if strings.Contains(strings.TrimSuffix(lower, ";"), ";") {
		return fmt.Errorf("%w: multiple statements are not allowed", ErrQueryRejected)
	}

	for _, kw := range deniedKeywords {
		if strings.Contains(lower, kw) {
			return fmt.Errorf("%w: statement contains forbidden keyword %q", ErrQueryRejected, kw)
		}
	}
	return nil
}
