package sql

import "regexp"

// TablePlaceholderName is the only placeholder a custom query may use. It is
// replaced per runner with that runner's partition source.
const TablePlaceholderName = "table"

// placeholderRegex matches {{name}} placeholders. Names start with a letter
// or underscore.
var placeholderRegex = regexp.MustCompile(`\{\{([a-zA-Z_]\w*)\}\}`)

// ExtractPlaceholders finds all {{name}} placeholders in SQL and returns a
// deduplicated list in order of first appearance.
//
//	ExtractPlaceholders("SELECT * FROM {{table}} t JOIN {{table}} u ON ...")
//	// []string{"table"}
func ExtractPlaceholders(sqlQuery string) []string {
	matches := placeholderRegex.FindAllStringSubmatch(sqlQuery, -1)
	seen := make(map[string]bool)
	var names []string
	for _, match := range matches {
		if name := match[1]; !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// FindPlaceholdersInStringLiterals returns placeholders that sit inside
// single-quoted literals, where substitution would corrupt the literal.
func FindPlaceholdersInStringLiterals(sqlQuery string) []string {
	var problems []string
	seen := make(map[string]bool)

	inString := false
	stringStart := 0
	for i := 0; i < len(sqlQuery); i++ {
		if sqlQuery[i] != '\'' {
			continue
		}
		if !inString {
			inString = true
			stringStart = i
			continue
		}
		// escaped quote ('')
		if i+1 < len(sqlQuery) && sqlQuery[i+1] == '\'' {
			i++
			continue
		}
		for _, match := range placeholderRegex.FindAllStringSubmatch(sqlQuery[stringStart+1:i], -1) {
			if name := match[1]; !seen[name] {
				seen[name] = true
				problems = append(problems, name)
			}
		}
		inString = false
	}
	return problems
}
