// Package sql validates user-supplied SQL before it is fanned out to runners.
package sql

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMultipleStatements indicates the query contains multiple SQL statements.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")

	// ErrNotReadOnly indicates the query is not a SELECT.
	ErrNotReadOnly = errors.New("custom queries must be a single SELECT or WITH statement")

	// ErrEmptyQuery indicates there is nothing to run.
	ErrEmptyQuery = errors.New("custom query is empty")
)

// ValidationResult contains the normalized SQL and any validation errors.
type ValidationResult struct {
	NormalizedSQL string
	Error         error
}

// ValidateAndNormalize checks SQL for multiple statements and strips the trailing semicolon.
//
// The validation order is:
// 1. Strip trailing semicolon and whitespace (normalize)
// 2. Check for multiple statements (any remaining semicolons outside string literals)
func ValidateAndNormalize(sqlQuery string) ValidationResult {
	sqlQuery = strings.TrimSpace(sqlQuery)
	if sqlQuery == "" {
		return ValidationResult{NormalizedSQL: sqlQuery}
	}

	normalized := stripTrailingSemicolon(sqlQuery)
	if hasSemicolonOutsideStrings(normalized) {
		return ValidationResult{Error: ErrMultipleStatements}
	}
	return ValidationResult{NormalizedSQL: normalized}
}

// ValidateCustomQuery prepares a rule's free-form query for fan-out. The
// query must be one read-only statement and may only use the {{table}}
// placeholder, outside string literals.
func ValidateCustomQuery(sqlQuery string) (string, error) {
	res := ValidateAndNormalize(sqlQuery)
	if res.Error != nil {
		return "", res.Error
	}
	if res.NormalizedSQL == "" {
		return "", ErrEmptyQuery
	}

	first := strings.ToUpper(firstKeyword(res.NormalizedSQL))
	if first != "SELECT" && first != "WITH" {
		return "", ErrNotReadOnly
	}

	for _, name := range ExtractPlaceholders(res.NormalizedSQL) {
		if name != TablePlaceholderName {
			return "", fmt.Errorf("unknown placeholder {{%s}}; only {{%s}} is supported", name, TablePlaceholderName)
		}
	}
	if quoted := FindPlaceholdersInStringLiterals(res.NormalizedSQL); len(quoted) > 0 {
		return "", fmt.Errorf("placeholder {{%s}} appears inside a string literal", quoted[0])
	}
	return res.NormalizedSQL, nil
}

// firstKeyword skips leading comments and opening parentheses.
func firstKeyword(sqlQuery string) string {
	s := sqlQuery
	for {
		s = strings.TrimLeft(s, " \t\r\n(")
		switch {
		case strings.HasPrefix(s, "--"):
			nl := strings.IndexByte(s, '\n')
			if nl < 0 {
				return ""
			}
			s = s[nl+1:]
		case strings.HasPrefix(s, "/*"):
			end := strings.Index(s, "*/")
			if end < 0 {
				return ""
			}
			s = s[end+2:]
		default:
			end := strings.IndexFunc(s, func(r rune) bool {
				return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
			})
			if end < 0 {
				return s
			}
			return s[:end]
		}
	}
}

// hasSemicolonOutsideStrings returns true if the SQL contains any semicolon
// outside of string literals and quoted identifiers.
func hasSemicolonOutsideStrings(sqlQuery string) bool {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
		stateBracket
	)

	state := stateNormal
	prevChar := rune(0)

	for _, char := range sqlQuery {
		switch state {
		case stateNormal:
			switch char {
			case ';':
				return true
			case '\'':
				state = stateSingleQuote
			case '"':
				state = stateDoubleQuote
			case '[':
				state = stateBracket
			}
		case stateSingleQuote:
			// A doubled quote ('') exits and immediately re-enters.
			if char == '\'' && prevChar != '\\' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if char == '"' && prevChar != '\\' {
				state = stateNormal
			}
		case stateBracket:
			if char == ']' {
				state = stateNormal
			}
		}
		prevChar = char
	}

	return false
}

// stripTrailingSemicolon removes a trailing semicolon and any whitespace after it.
func stripTrailingSemicolon(sqlQuery string) string {
	sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	if strings.HasSuffix(sqlQuery, ";") {
		sqlQuery = strings.TrimSuffix(sqlQuery, ";")
		sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	}
	return sqlQuery
}
