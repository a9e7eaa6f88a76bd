package mssql

import (
	"strings"

	"github.com/shopspring/decimal"

	mssqldriver "github.com/microsoft/go-mssqldb"
)

// escapeStringLiteral escapes a string for use in SQL Server string literals.
// In SQL Server, single quotes are escaped by doubling them.
func escapeStringLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// quoteName is the client-side equivalent of QUOTENAME(): square brackets
// with ] escaped as ]].
func quoteName(identifier string) string {
	return "[" + strings.ReplaceAll(identifier, "]", "]]") + "]"
}

// isStringType returns true if the type is a string type in SQL Server.
func isStringType(sqlType string) bool {
	switch strings.ToUpper(sqlType) {
	case "CHAR", "NCHAR", "VARCHAR", "NVARCHAR", "TEXT", "NTEXT", "XML":
		return true
	}
	return false
}

// isExactNumericType returns true for types the driver hands back as digit strings.
func isExactNumericType(sqlType string) bool {
	switch strings.ToUpper(sqlType) {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return true
	}
	return false
}

// normalizeValue converts go-mssqldb scan results into the value forms the
// metric reducers share with the other backends.
func normalizeValue(dbType string, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}

	switch {
	case isStringType(dbType):
		return string(b)
	case isExactNumericType(dbType):
		d, err := decimal.NewFromString(string(b))
		if err != nil {
			return string(b)
		}
		return d
	case strings.EqualFold(dbType, "UNIQUEIDENTIFIER"):
		// SQL Server stores GUIDs mixed-endian; the driver type knows the byte order.
		var id mssqldriver.UniqueIdentifier
		if err := id.Scan(b); err != nil {
			return b
		}
		return id.String()
	default:
		return b
	}
}
