package datasource

import (
	"database/sql/driver"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ToDecimal converts a driver or arrow value to an exact decimal.
// ok is false for nil.
func ToDecimal(v any) (d decimal.Decimal, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, false, nil
	case decimal.Decimal:
		return x, true, nil
	case int:
		return decimal.NewFromInt(int64(x)), true, nil
	case int8:
		return decimal.NewFromInt(int64(x)), true, nil
	case int16:
		return decimal.NewFromInt(int64(x)), true, nil
	case int32:
		return decimal.NewFromInt32(x), true, nil
	case int64:
		return decimal.NewFromInt(x), true, nil
	case uint8:
		return decimal.NewFromInt(int64(x)), true, nil
	case uint16:
		return decimal.NewFromInt(int64(x)), true, nil
	case uint32:
		return decimal.NewFromInt(int64(x)), true, nil
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(x), 0), true, nil
	case float32:
		return floatDecimal(float64(x))
	case float64:
		return floatDecimal(x)
	case bool:
		if x {
			return decimal.NewFromInt(1), true, nil
		}
		return decimal.Zero, true, nil
	case []byte:
		return parseDecimal(string(x))
	case string:
		return parseDecimal(x)
	case driver.Valuer:
		inner, err := x.Value()
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("read driver value: %w", err)
		}
		return ToDecimal(inner)
	default:
		return decimal.Zero, false, fmt.Errorf("cannot convert %T to a number", v)
	}
}

func floatDecimal(f float64) (decimal.Decimal, bool, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, false, fmt.Errorf("non-finite number %v", f)
	}
	return decimal.NewFromFloat(f), true, nil
}

func parseDecimal(s string) (decimal.Decimal, bool, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse number %q: %w", s, err)
	}
	return d, true, nil
}

// ToFloat64 converts a value to float64. ok is false for nil.
func ToFloat64(v any) (float64, bool, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) {
			return 0, false, fmt.Errorf("non-finite number %v", x)
		}
		return x, true, nil
	case float32:
		return float64(x), true, nil
	case int64:
		return float64(x), true, nil
	case int:
		return float64(x), true, nil
	}
	d, ok, err := ToDecimal(v)
	if err != nil || !ok {
		return 0, ok, err
	}
	return d.InexactFloat64(), true, nil
}

// ToInt64 converts a count-like value to int64. nil converts to 0.
func ToInt64(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	}
	d, _, err := ToDecimal(v)
	if err != nil {
		return 0, err
	}
	return d.IntPart(), nil
}

// ToText renders a value as the string a length metric measures.
func ToText(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	}
	return CanonicalKey(v), true
}

// CanonicalKey renders a value in a backend-independent form so that equal
// values read through different drivers hash identically.
func CanonicalKey(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		if _, isValuer := v.(driver.Valuer); !isValuer {
			return x.String()
		}
	}
	if d, ok, err := ToDecimal(v); err == nil && ok {
		return d.String()
	}
	if valuer, ok := v.(driver.Valuer); ok {
		if inner, err := valuer.Value(); err == nil {
			return CanonicalKey(inner)
		}
	}
	return fmt.Sprint(v)
}
