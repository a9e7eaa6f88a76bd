package memory

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// DefaultBatchRows is the number of rows per materialized record batch.
const DefaultBatchRows = 4096

// ArrowType maps a column's type class onto the arrow type used to hold it.
// Exact numerics are held as float64.
func ArrowType(dt models.DataType) arrow.DataType {
	switch dt {
	case models.DataTypeInt:
		return arrow.PrimitiveTypes.Int64
	case models.DataTypeFloat, models.DataTypeDecimal:
		return arrow.PrimitiveTypes.Float64
	case models.DataTypeBoolean:
		return arrow.FixedWidthTypes.Boolean
	case models.DataTypeDate, models.DataTypeTimestamp:
		return arrow.FixedWidthTypes.Timestamp_us
	case models.DataTypeBinary:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

// SchemaFor builds the arrow schema of a table.
func SchemaFor(columns []models.Column) *arrow.Schema {
	fields := make([]arrow.Field, len(columns))
	for i, c := range columns {
		fields[i] = arrow.Field{Name: c.Name, Type: ArrowType(c.DataType), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// ValueAt returns row i of arr as a plain Go value: int64, float64, bool,
// string, []byte, time.Time or nil.
func ValueAt(arr arrow.Array, i int) any {
	if arr.IsNull(i) {
		return nil
	}
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(i)
	case *array.Float64:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.Binary:
		return a.Value(i)
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit)
	default:
		return a.ValueStr(i)
	}
}

// batchBuilder accumulates rows into record batches of a fixed size.
type batchBuilder struct {
	schema    *arrow.Schema
	builder   *array.RecordBuilder
	batchRows int
	pending   int
	records   []arrow.Record
}

func newBatchBuilder(alloc memory.Allocator, schema *arrow.Schema, batchRows int) *batchBuilder {
	if batchRows <= 0 {
		batchRows = DefaultBatchRows
	}
	return &batchBuilder{
		schema:    schema,
		builder:   array.NewRecordBuilder(alloc, schema),
		batchRows: batchRows,
	}
}

func (b *batchBuilder) append(values []any) error {
	if len(values) != len(b.schema.Fields()) {
		return fmt.Errorf("row has %d values, schema has %d columns", len(values), len(b.schema.Fields()))
	}
	for i, v := range values {
		if err := appendValue(b.builder.Field(i), v); err != nil {
			return fmt.Errorf("column %s: %w", b.schema.Field(i).Name, err)
		}
	}
	b.pending++
	if b.pending >= b.batchRows {
		b.flush()
	}
	return nil
}

func (b *batchBuilder) flush() {
	if b.pending == 0 {
		return
	}
	b.records = append(b.records, b.builder.NewRecord())
	b.pending = 0
}

// finish returns the built batches. The caller owns them.
func (b *batchBuilder) finish() []arrow.Record {
	b.flush()
	b.builder.Release()
	return b.records
}

// discard releases everything built so far.
func (b *batchBuilder) discard() {
	b.builder.Release()
	for _, rec := range b.records {
		rec.Release()
	}
	b.records = nil
}

func appendValue(fb array.Builder, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}

	switch bld := fb.(type) {
	case *array.Int64Builder:
		n, err := datasource.ToInt64(v)
		if err != nil {
			return err
		}
		bld.Append(n)
	case *array.Float64Builder:
		f, ok, err := datasource.ToFloat64(v)
		if err != nil {
			return err
		}
		if !ok {
			bld.AppendNull()
			return nil
		}
		bld.Append(f)
	case *array.BooleanBuilder:
		switch x := v.(type) {
		case bool:
			bld.Append(x)
		default:
			n, err := datasource.ToInt64(v)
			if err != nil {
				return err
			}
			bld.Append(n != 0)
		}
	case *array.TimestampBuilder:
		t, ok := toTime(v)
		if !ok {
			return fmt.Errorf("cannot convert %T to timestamp", v)
		}
		bld.Append(arrow.Timestamp(t.UnixMicro()))
	case *array.BinaryBuilder:
		switch x := v.(type) {
		case []byte:
			bld.Append(x)
		default:
			s, _ := datasource.ToText(v)
			bld.Append([]byte(s))
		}
	case *array.StringBuilder:
		s, _ := datasource.ToText(v)
		bld.Append(s)
	default:
		return fmt.Errorf("unsupported builder %T", fb)
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	case []byte:
		return toTime(string(x))
	}
	return time.Time{}, false
}
