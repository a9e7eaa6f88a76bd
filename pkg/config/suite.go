package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
	"github.com/ekaya-inc/ekaya-quality/pkg/services"
)

// Suite is a check-suite file: the tables to profile and the tests to run
// against each of them.
type Suite struct {
	Tables []TableSpec `yaml:"tables"`
}

// TableSpec is one table of a suite.
type TableSpec struct {
	Schema     string            `yaml:"schema"`
	Name       string            `yaml:"name"`
	Datasource DatasourceSpec    `yaml:"datasource"`
	Partitions []PartitionSpec   `yaml:"partitions"`
	Columns    []ColumnSpec      `yaml:"columns"`
	InMemory   InMemorySpec      `yaml:"in_memory"`
	Metrics    []string          `yaml:"metrics"`
	Tests      []models.TestCase `yaml:"tests"`
	Limits     LimitsSpec        `yaml:"limits"`
}

// DatasourceSpec names an adapter and its connection settings. String
// values may reference environment variables as ${NAME} so passwords stay
// out of suite files.
type DatasourceSpec struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

// PartitionSpec is one runner's slice of the table. An empty table means
// the suite table itself.
type PartitionSpec struct {
	ID     string `yaml:"id"`
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`
	Where  string `yaml:"where"`
}

type ColumnSpec struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable *bool  `yaml:"nullable"`
}

type InMemorySpec struct {
	Enabled bool `yaml:"enabled"`
	MaxRows int  `yaml:"max_rows"`
}

type LimitsSpec struct {
	MaxMergeBytes int64         `yaml:"max_merge_bytes"`
	RunnerTimeout time.Duration `yaml:"runner_timeout"`
	TableTimeout  time.Duration `yaml:"table_timeout"`
}

// Ref returns the table reference.
func (t *TableSpec) Ref() models.TableRef {
	return models.TableRef{Schema: t.Schema, Name: t.Name}
}

// LoadSuite reads and validates a suite file. knownTypes lists the
// datasource adapters compiled into the binary.
func LoadSuite(path string, knownTypes []string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite %s: %w", path, err)
	}
	return ParseSuite(data, knownTypes)
}

// ParseSuite decodes and validates suite YAML.
func ParseSuite(data []byte, knownTypes []string) (*Suite, error) {
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse suite: %w", err)
	}
	for i := range s.Tables {
		t := &s.Tables[i]
		t.Datasource.Config = expandEnv(t.Datasource.Config)
		resolveHostsForDocker(t.Datasource.Config)
	}
	if err := s.Validate(knownTypes); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects suites the engine cannot run. All problems are reported
// together.
func (s *Suite) Validate(knownTypes []string) error {
	if len(s.Tables) == 0 {
		return fmt.Errorf("suite lists no tables")
	}

	known := make(map[string]bool, len(knownTypes))
	for _, t := range knownTypes {
		known[t] = true
	}

	var errs []error
	seen := make(map[string]bool)
	for i, t := range s.Tables {
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, fmt.Errorf("tables[%d]: name is required", i))
			continue
		}
		fqn := t.Ref().FQN()
		if seen[fqn] {
			errs = append(errs, fmt.Errorf("%s: listed more than once", fqn))
		}
		seen[fqn] = true

		if !known[t.Datasource.Type] {
			errs = append(errs, fmt.Errorf("%s: unknown datasource type %q", fqn, t.Datasource.Type))
		}
		for j, p := range t.Partitions {
			if p.Table == "" && p.Where == "" {
				errs = append(errs, fmt.Errorf("%s: partitions[%d] needs a table or a where clause", fqn, j))
			}
		}
		for j, c := range t.Columns {
			if c.Name == "" {
				errs = append(errs, fmt.Errorf("%s: columns[%d]: name is required", fqn, j))
			}
		}
		for j, tc := range t.Tests {
			if tc.Type == "" {
				errs = append(errs, fmt.Errorf("%s: tests[%d] (%s): type is required", fqn, j, tc.Name))
			}
		}
		if t.InMemory.MaxRows < 0 {
			errs = append(errs, fmt.Errorf("%s: in_memory.max_rows must not be negative", fqn))
		}
	}
	return errors.Join(errs...)
}

// Plans converts the suite into engine work. When only is non-empty, just
// the tables it names are kept; entries match a fully qualified name or a
// bare table name.
func (s *Suite) Plans(only []string) ([]services.TablePlan, error) {
	keep := make(map[string]bool, len(only))
	for _, name := range only {
		if name = strings.TrimSpace(name); name != "" {
			keep[strings.ToLower(name)] = false
		}
	}

	var plans []services.TablePlan
	for _, t := range s.Tables {
		ref := t.Ref()
		if len(keep) > 0 {
			fqnKey, nameKey := strings.ToLower(ref.FQN()), strings.ToLower(ref.Name)
			_, byFQN := keep[fqnKey]
			_, byName := keep[nameKey]
			if !byFQN && !byName {
				continue
			}
			if byFQN {
				keep[fqnKey] = true
			}
			if byName {
				keep[nameKey] = true
			}
		}
		plans = append(plans, t.plan())
	}

	for name, matched := range keep {
		if !matched {
			return nil, fmt.Errorf("table %q is not in the suite", name)
		}
	}
	return plans, nil
}

func (t *TableSpec) plan() services.TablePlan {
	plan := services.TablePlan{
		Table:            t.Ref(),
		DatasourceType:   t.Datasource.Type,
		DatasourceConfig: t.Datasource.Config,
		InMemory:         services.InMemoryOptions{Enabled: t.InMemory.Enabled, MaxRows: t.InMemory.MaxRows},
		Metrics:          t.Metrics,
		Tests:            t.Tests,
		Limits: services.TableLimits{
			MaxMergeBytes: t.Limits.MaxMergeBytes,
			RunnerTimeout: t.Limits.RunnerTimeout,
			TableTimeout:  t.Limits.TableTimeout,
		},
	}

	if len(t.Partitions) == 0 {
		plan.Partitions = []datasource.Partition{{Source: datasource.Source{Schema: t.Schema, Table: t.Name}}}
	}
	for _, p := range t.Partitions {
		src := datasource.Source{Schema: p.Schema, Table: p.Table, Predicate: p.Where}
		if src.Table == "" {
			src.Schema, src.Table = t.Schema, t.Name
		}
		plan.Partitions = append(plan.Partitions, datasource.Partition{ID: p.ID, Source: src})
	}

	for i, c := range t.Columns {
		nullable := true
		if c.Nullable != nil {
			nullable = *c.Nullable
		}
		plan.Columns = append(plan.Columns, models.NewColumn(c.Name, c.Type, nullable, i+1))
	}
	return plan
}

// expandEnv substitutes ${NAME} references in string values.
func expandEnv(config map[string]any) map[string]any {
	for k, v := range config {
		if s, ok := v.(string); ok {
			config[k] = os.ExpandEnv(s)
		}
	}
	return config
}
