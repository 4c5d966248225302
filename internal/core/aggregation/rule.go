package aggregation

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aevon-lab/exactavg/internal/core/numeric"
	"gopkg.in/yaml.v3"
)

// DefaultWindowSize is the bucket width used when a rule omits window_size.
const DefaultWindowSize = time.Minute

// AggregationRule defines a single averaging rule.
// Rules are loaded at startup from YAML files and fingerprinted for staleness detection.
// The input shape is planned once at load; workers never re-plan.
type AggregationRule struct {
	Name        string
	SourceEvent string
	Function    string           // registered aggregate function, see Functions
	Field       string           // event data field holding the value
	Input       numeric.Shape    // declared NUMERIC(p,s) of Field
	Plan        Plan             // sum and output shapes derived from Input
	Rounding    numeric.Rounding // rounding of the final division
	WindowSize  time.Duration
	Fingerprint string // SHA-256 of the raw YAML file; computed at load time
}

// NewAggregator builds an initialized aggregator for this rule.
func (r AggregationRule) NewAggregator() (Aggregator, error) {
	return NewAggregator(r.Function, r.Plan, r.Rounding)
}

// rawRule is the on-disk YAML shape.
type rawRule struct {
	Name        string        `yaml:"name"`
	SourceEvent string        `yaml:"source_event"`
	Function    string        `yaml:"function"`
	Field       string        `yaml:"field"`
	Numeric     numeric.Shape `yaml:"numeric"`
	WindowSize  string        `yaml:"window_size"` // optional; defaults to 1m
	Rounding    string        `yaml:"rounding"`    // optional; defaults to the configured mode
}

// RuleLoadOptions carries what the loader needs to plan each rule.
type RuleLoadOptions struct {
	Planner  Planner
	Rounding numeric.Rounding // used when a rule has no rounding key
}

// ErrRuleNotFound is returned by Get for an unknown rule name.
var ErrRuleNotFound = errors.New("aggregation rule not found")

// RuleRepository defines the interface for loading aggregation rules.
type RuleRepository interface {
	// Get returns the rule with the given name, or an error if not found.
	Get(ctx context.Context, name string) (*AggregationRule, error)

	// List returns all loaded rules, optionally filtered by source event type.
	List(ctx context.Context, sourceEvent string) ([]AggregationRule, error)

	// GetRules returns all rules as a slice (for batch processing).
	GetRules() []AggregationRule
}

// FileSystemRuleRepository loads averaging rules from *.yaml files in a directory.
// Each file contains exactly one rule at the top level. Rules are loaded once at
// startup and cached in memory.
type FileSystemRuleRepository struct {
	dir   string
	opts  RuleLoadOptions
	rules map[string]AggregationRule // keyed by Name
}

// NewFileSystemRuleRepository creates a new repository and eagerly loads all rules
// from dir. Returns an error if any rule file is malformed or its shape cannot be planned.
func NewFileSystemRuleRepository(dir string, opts RuleLoadOptions) (*FileSystemRuleRepository, error) {
	repo := &FileSystemRuleRepository{
		dir:   dir,
		opts:  opts,
		rules: make(map[string]AggregationRule),
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileSystemRuleRepository) load() error {
	info, err := os.Stat(r.dir)
	if os.IsNotExist(err) {
		return nil // no rules directory — valid (zero rules configured)
	}
	if err != nil {
		return fmt.Errorf("aggregation rule dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("aggregation rule path %q is not a directory", r.dir)
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading aggregation rule dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading rule file %s: %w", path, err)
		}

		var raw rawRule
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing rule file %s: %w", path, err)
		}
		if raw.Name == "" {
			continue // skip empty / comment-only files
		}

		rule, err := r.build(raw)
		if err != nil {
			return fmt.Errorf("rule %q: %w", raw.Name, err)
		}
		rule.Fingerprint = fmt.Sprintf("%x", sha256.Sum256(data))

		if _, exists := r.rules[raw.Name]; exists {
			return fmt.Errorf("rule %q: duplicate rule name (check multiple YAML files)", raw.Name)
		}
		r.rules[raw.Name] = rule
	}
	return nil
}

func (r *FileSystemRuleRepository) build(raw rawRule) (AggregationRule, error) {
	if raw.SourceEvent == "" {
		return AggregationRule{}, fmt.Errorf("source_event must not be empty")
	}
	if raw.Field == "" {
		return AggregationRule{}, fmt.Errorf("field must not be empty")
	}
	if raw.Function == "" {
		raw.Function = FuncExactAvg
	}
	if !ValidFunction(raw.Function) {
		return AggregationRule{}, fmt.Errorf("unsupported function %q (supported: %s)", raw.Function, strings.Join(FunctionNames(), ", "))
	}

	plan, err := r.opts.Planner.Plan(raw.Numeric)
	if err != nil {
		return AggregationRule{}, err
	}

	rounding := r.opts.Rounding
	if raw.Rounding != "" {
		if rounding, err = numeric.ParseRounding(raw.Rounding); err != nil {
			return AggregationRule{}, err
		}
	}

	window := DefaultWindowSize
	if raw.WindowSize != "" {
		spec, err := ParseWindowSize(raw.WindowSize)
		if err != nil {
			return AggregationRule{}, err
		}
		window = spec.Size
	}

	return AggregationRule{
		Name:        raw.Name,
		SourceEvent: raw.SourceEvent,
		Function:    raw.Function,
		Field:       raw.Field,
		Input:       raw.Numeric,
		Plan:        plan,
		Rounding:    rounding,
		WindowSize:  window,
	}, nil
}

// Get returns the rule with the given name, or an error if not found.
func (r *FileSystemRuleRepository) Get(_ context.Context, name string) (*AggregationRule, error) {
	rule, ok := r.rules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRuleNotFound, name)
	}
	return &rule, nil
}

// List returns all loaded rules, optionally filtered by source event type.
func (r *FileSystemRuleRepository) List(_ context.Context, sourceEvent string) ([]AggregationRule, error) {
	var out []AggregationRule
	for _, rule := range r.rules {
		if sourceEvent != "" && rule.SourceEvent != sourceEvent {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// GetRules returns all rules as a slice (for batch processing).
func (r *FileSystemRuleRepository) GetRules() []AggregationRule {
	rules := make([]AggregationRule, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}
