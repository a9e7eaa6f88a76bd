package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringOption(t *testing.T) {
	cfg := map[string]any{"user": "sa", "username": "", "port": 1433}

	v, ok := StringOption(cfg, "username", "user")
	assert.True(t, ok)
	assert.Equal(t, "sa", v)

	_, ok = StringOption(cfg, "port")
	assert.False(t, ok)
}

func TestIntOption(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int
		wantErr bool
	}{
		{"absent", nil, 7, false},
		{"yaml int", 5432, 5432, false},
		{"json number", float64(5432), 5432, false},
		{"expanded env", "6543", 6543, false},
		{"empty env", "", 7, false},
		{"not a number", "five", 0, true},
		{"wrong type", true, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := map[string]any{}
			if tt.value != nil {
				cfg["port"] = tt.value
			}
			got, err := IntOption(cfg, "port", 7)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBoolOption(t *testing.T) {
	got, err := BoolOption(map[string]any{"encrypt": "false"}, "encrypt", true)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = BoolOption(map[string]any{}, "encrypt", true)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = BoolOption(map[string]any{"encrypt": "maybe"}, "encrypt", true)
	assert.Error(t, err)
}
