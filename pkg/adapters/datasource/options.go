package datasource

import (
	"fmt"
	"strconv"
)

// Suite datasource settings arrive as a loose map: YAML yields ints and
// bools, JSON yields float64, and ${ENV} expansion always yields strings.

// StringOption returns the first non-empty string among keys.
func StringOption(config map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := config[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// IntOption reads key as an int, returning def when it is absent.
func IntOption(config map[string]any, key string, def int) (int, error) {
	switch v := config[key].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		if v == "" {
			return def, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not an integer", key, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s: unsupported value %v", key, v)
	}
}

// BoolOption reads key as a bool, returning def when it is absent.
func BoolOption(config map[string]any, key string, def bool) (bool, error) {
	switch v := config[key].(type) {
	case nil:
		return def, nil
	case bool:
		return v, nil
	case string:
		if v == "" {
			return def, nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s: %q is not a boolean", key, v)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%s: unsupported value %v", key, v)
	}
}
