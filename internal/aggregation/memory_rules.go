package aggregation

import (
	"context"
	"fmt"
	"sort"

	coreagg "github.com/aevon-lab/exactavg/internal/core/aggregation"
)

// InMemoryRuleRepository is a RuleRepository over a fixed rule set.
// It serves the rule set loaded at startup to ingestion and backs tests.
type InMemoryRuleRepository struct {
	rules map[string]coreagg.AggregationRule
}

// NewInMemoryRuleRepository indexes rules by name; later duplicates win.
func NewInMemoryRuleRepository(rules ...coreagg.AggregationRule) *InMemoryRuleRepository {
	repo := &InMemoryRuleRepository{
		rules: make(map[string]coreagg.AggregationRule, len(rules)),
	}
	for _, rule := range rules {
		repo.rules[rule.Name] = rule
	}
	return repo
}

func (r *InMemoryRuleRepository) Get(_ context.Context, name string) (*coreagg.AggregationRule, error) {
	rule, ok := r.rules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", coreagg.ErrRuleNotFound, name)
	}
	return &rule, nil
}

func (r *InMemoryRuleRepository) List(_ context.Context, sourceEvent string) ([]coreagg.AggregationRule, error) {
	var result []coreagg.AggregationRule
	for _, rule := range r.GetRules() {
		if sourceEvent == "" || rule.SourceEvent == sourceEvent {
			result = append(result, rule)
		}
	}
	return result, nil
}

func (r *InMemoryRuleRepository) GetRules() []coreagg.AggregationRule {
	result := make([]coreagg.AggregationRule, 0, len(r.rules))
	for _, rule := range r.rules {
		result = append(result, rule)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
