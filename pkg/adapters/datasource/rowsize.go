package datasource

import "time"

// Per-row and per-value overheads of a materialized [][]any result.
const (
	rowOverheadBytes   = 24
	valueOverheadBytes = 16
)

// EstimateRowBytes approximates the heap cost of holding one result row.
func EstimateRowBytes(values []any) int64 {
	size := int64(rowOverheadBytes)
	for _, v := range values {
		size += valueOverheadBytes + valueBytes(v)
	}
	return size
}

func valueBytes(v any) int64 {
	switch x := v.(type) {
	case nil, bool, int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	case int, int64, uint64, float64:
		return 8
	case string:
		return int64(len(x))
	case []byte:
		return int64(len(x))
	case time.Time:
		return 24
	default:
		return 32
	}
}
