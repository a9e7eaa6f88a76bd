package models

import (
	"fmt"
	"strings"
)

// DataType is the semantic type class of a column, independent of the source dialect.
type DataType string

const (
	DataTypeInt       DataType = "int"
	DataTypeFloat     DataType = "float"
	DataTypeDecimal   DataType = "decimal"
	DataTypeString    DataType = "string"
	DataTypeText      DataType = "text"
	DataTypeUUID      DataType = "uuid"
	DataTypeBoolean   DataType = "boolean"
	DataTypeDate      DataType = "date"
	DataTypeTime      DataType = "time"
	DataTypeTimestamp DataType = "timestamp"
	DataTypeBinary    DataType = "binary"
	DataTypeJSON      DataType = "json"
	DataTypeArray     DataType = "array"
	DataTypeStruct    DataType = "struct"
	DataTypeUnknown   DataType = "unknown"
)

// IsNumeric reports whether sum/mean style metrics apply.
func (d DataType) IsNumeric() bool {
	switch d {
	case DataTypeInt, DataTypeFloat, DataTypeDecimal:
		return true
	}
	return false
}

// IsConcatenable reports whether string length operations apply.
func (d DataType) IsConcatenable() bool {
	switch d {
	case DataTypeString, DataTypeText, DataTypeUUID:
		return true
	}
	return false
}

var rawTypeClasses = map[string]DataType{
	// integers
	"int": DataTypeInt, "int2": DataTypeInt, "int4": DataTypeInt, "int8": DataTypeInt,
	"integer": DataTypeInt, "smallint": DataTypeInt, "bigint": DataTypeInt, "tinyint": DataTypeInt,
	"serial": DataTypeInt, "bigserial": DataTypeInt, "smallserial": DataTypeInt, "int64": DataTypeInt,
	// floats
	"real": DataTypeFloat, "float": DataTypeFloat, "float4": DataTypeFloat, "float8": DataTypeFloat,
	"double": DataTypeFloat, "double precision": DataTypeFloat, "float64": DataTypeFloat,
	// exact numerics
	"numeric": DataTypeDecimal, "decimal": DataTypeDecimal, "money": DataTypeDecimal,
	"smallmoney": DataTypeDecimal, "bignumeric": DataTypeDecimal,
	// strings
	"char": DataTypeString, "nchar": DataTypeString, "varchar": DataTypeString,
	"nvarchar": DataTypeString, "character": DataTypeString, "character varying": DataTypeString,
	"bpchar": DataTypeString, "string": DataTypeString, "citext": DataTypeString, "name": DataTypeString,
	"text": DataTypeText, "ntext": DataTypeText, "clob": DataTypeText,
	"uuid": DataTypeUUID, "uniqueidentifier": DataTypeUUID,
	// booleans
	"bool": DataTypeBoolean, "boolean": DataTypeBoolean, "bit": DataTypeBoolean,
	// temporal
	"date":      DataTypeDate,
	"time":      DataTypeTime,
	"timetz":    DataTypeTime,
	"timestamp": DataTypeTimestamp, "timestamptz": DataTypeTimestamp, "datetime": DataTypeTimestamp,
	"datetime2": DataTypeTimestamp, "smalldatetime": DataTypeTimestamp, "datetimeoffset": DataTypeTimestamp,
	"timestamp with time zone": DataTypeTimestamp, "timestamp without time zone": DataTypeTimestamp,
	// other
	"bytea": DataTypeBinary, "blob": DataTypeBinary, "binary": DataTypeBinary,
	"varbinary": DataTypeBinary, "image": DataTypeBinary, "bytes": DataTypeBinary,
	"json": DataTypeJSON, "jsonb": DataTypeJSON, "xml": DataTypeJSON,
	"array": DataTypeArray, "struct": DataTypeStruct, "record": DataTypeStruct,
}

// ClassifyDataType maps a dialect-native type name such as "VARCHAR(255)",
// "integer[]" or "timestamp(3) with time zone" onto a DataType.
func ClassifyDataType(raw string) DataType {
	t := strings.ToLower(strings.TrimSpace(raw))
	if t == "" {
		return DataTypeUnknown
	}
	if strings.HasSuffix(t, "[]") || strings.HasPrefix(t, "array<") || strings.HasPrefix(t, "_") {
		return DataTypeArray
	}
	if strings.HasPrefix(t, "struct<") {
		return DataTypeStruct
	}
	// strip precision / length modifiers: varchar(255), numeric(10,2), timestamp(3) with time zone
	if i := strings.Index(t, "("); i >= 0 {
		if j := strings.Index(t[i:], ")"); j >= 0 {
			t = strings.TrimSpace(t[:i] + t[i+j+1:])
		}
	}
	t = strings.Join(strings.Fields(t), " ")
	if dt, ok := rawTypeClasses[t]; ok {
		return dt
	}
	return DataTypeUnknown
}

// Column describes one column of a profiled table. It is immutable once built.
type Column struct {
	Name            string   `json:"name" yaml:"name"`
	RawType         string   `json:"raw_type" yaml:"type"`
	DataType        DataType `json:"data_type" yaml:"-"`
	Nullable        bool     `json:"nullable" yaml:"nullable"`
	Concatenable    bool     `json:"concatenable" yaml:"-"`
	OrdinalPosition int      `json:"ordinal_position" yaml:"-"`
}

// NewColumn classifies rawType and derives the concatenable flag.
func NewColumn(name, rawType string, nullable bool, ordinal int) Column {
	dt := ClassifyDataType(rawType)
	return Column{
		Name:            name,
		RawType:         rawType,
		DataType:        dt,
		Nullable:        nullable,
		Concatenable:    dt.IsConcatenable(),
		OrdinalPosition: ordinal,
	}
}

// TableRef identifies a table in the catalog.
type TableRef struct {
	Service string `json:"service,omitempty" yaml:"service"`
	Schema  string `json:"schema,omitempty" yaml:"schema"`
	Name    string `json:"name" yaml:"name"`
}

// FQN returns the dotted fully qualified name used as the catalog key.
func (t TableRef) FQN() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.Service, t.Schema, t.Name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

func (t TableRef) String() string { return t.FQN() }

// Validate checks that the reference names a table.
func (t TableRef) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is required")
	}
	return nil
}

// FindColumn returns the column with the given name, case-insensitively.
func FindColumn(columns []Column, name string) (Column, bool) {
	for _, c := range columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}
