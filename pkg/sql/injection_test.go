package sql

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
)

func TestCheckLiteralForInjection(t *testing.T) {
	clean := []string{
		"EUR",
		"user@example.com",
		"2024-01-15",
		"550e8400-e29b-41d4-a716-446655440000",
		"laptop computers",
		"",
		"/usr/local/bin/app",
		"+1-555-123-4567",
	}
	for _, v := range clean {
		assert.Nil(t, CheckLiteralForInjection("allowedValues", v), "clean value %q flagged", v)
	}

	attacks := []string{
		"' OR '1'='1",
		"'; DROP TABLE users--",
		"1 UNION SELECT * FROM passwords",
		"admin'--",
		"1' AND SLEEP(5)--",
	}
	for _, v := range attacks {
		res := CheckLiteralForInjection("allowedValues", v)
		require.NotNil(t, res, "expected %q to be detected", v)
		assert.True(t, res.IsSQLi)
		assert.NotEmpty(t, res.Fingerprint)
		assert.Equal(t, "allowedValues", res.ParamName)
		assert.Equal(t, v, res.ParamValue)
	}
}

func TestScreenLiterals(t *testing.T) {
	assert.NoError(t, ScreenLiterals("allowedValues", []string{"EUR", "USD", "GBP"}))
	assert.NoError(t, ScreenLiterals("allowedValues", nil))

	err := ScreenLiterals("allowedValues", []string{"EUR", "'; DROP TABLE users--"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParameter))
	assert.Contains(t, err.Error(), "allowedValues")
}
