package sql

import (
	"fmt"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
)

// InjectionCheckResult contains the result of an injection check on a literal value.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	ParamName   string // Name of the parameter that failed the check
	ParamValue  string // The value that was checked
}

// CheckLiteralForInjection uses libinjection to detect SQL injection patterns
// in a value that will be rendered as a string literal.
//
// Returns nil if no injection is detected.
//
//	CheckLiteralForInjection("allowedValues", "EUR")                   // nil
//	CheckLiteralForInjection("allowedValues", "x' OR '1'='1")          // IsSQLi == true
func CheckLiteralForInjection(paramName, value string) *InjectionCheckResult {
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		IsSQLi:      true,
		Fingerprint: string(fingerprint),
		ParamName:   paramName,
		ParamValue:  value,
	}
}

// ScreenLiterals rejects the first value that looks like an injection
// attempt. The error wraps apperrors.ErrInvalidParameter so the rule aborts
// instead of running the statement.
func ScreenLiterals(paramName string, values []string) error {
	for _, v := range values {
		if res := CheckLiteralForInjection(paramName, v); res != nil {
			return fmt.Errorf("%s: value rejected by injection screen (fingerprint %s): %w",
				paramName, res.Fingerprint, apperrors.ErrInvalidParameter)
		}
	}
	return nil
}
