package models

import (
	"time"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
)

// TestCase is one configured validation rule. Column is empty for table rules.
type TestCase struct {
	Name       string            `json:"name" yaml:"name"`
	Type       string            `json:"type" yaml:"type"`
	Column     string            `json:"column,omitempty" yaml:"column"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters"`
}

// Target renders the rule target for diagnostics.
func (tc TestCase) Target(table TableRef) string {
	if tc.Column == "" {
		return table.FQN()
	}
	return table.FQN() + "." + tc.Column
}

// VerdictStatus is a terminal rule state.
type VerdictStatus string

const (
	VerdictPass    VerdictStatus = "Pass"
	VerdictFail    VerdictStatus = "Fail"
	VerdictAborted VerdictStatus = "Aborted"
)

// ObservedValue is one named measurement reported with a verdict.
type ObservedValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Verdict is the outcome of a single rule evaluation.
type Verdict struct {
	TestCase    string                `json:"test_case"`
	TestType    string                `json:"test_type"`
	Target      string                `json:"target"`
	Status      VerdictStatus         `json:"status"`
	Observed    []ObservedValue       `json:"observed,omitempty"`
	Message     string                `json:"message,omitempty"`
	AbortReason apperrors.FailureKind `json:"abort_reason,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// ObservedByName returns the named observed value, if present.
func (v Verdict) ObservedByName(name string) (string, bool) {
	for _, o := range v.Observed {
		if o.Name == name {
			return o.Value, true
		}
	}
	return "", false
}

// VerdictCounts tallies verdicts by status.
type VerdictCounts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Aborted int `json:"aborted"`
}

// Record counts one verdict.
func (c *VerdictCounts) Record(status VerdictStatus) {
	switch status {
	case VerdictPass:
		c.Passed++
	case VerdictFail:
		c.Failed++
	case VerdictAborted:
		c.Aborted++
	}
}

// Add accumulates other into c.
func (c *VerdictCounts) Add(other VerdictCounts) {
	c.Passed += other.Passed
	c.Failed += other.Failed
	c.Aborted += other.Aborted
}
