package routing

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/corelearn/orchestrator/internal/model"
)

var (
	// ErrUnknownPattern is returned when no routing rule matches a pattern
	ErrUnknownPattern = errors.New("no routing rule for pattern")

	// ErrDuplicatePattern is returned when two rules share the same pattern
	ErrDuplicatePattern = errors.New("duplicate routing pattern")
)

// Table resolves request patterns to downstream agent endpoints. Rules are
// loaded once at construction; lookups are exact-match, no wildcarding.
type Table struct {
	logger *zap.Logger
	rules  map[string]model.RoutingRule
}

// NewTable builds a routing table from the configured rules
func NewTable(rules []model.RoutingRule, logger *zap.Logger) (*Table, error) {
	t := &Table{
		logger: logger.Named("routing-table"),
		rules:  make(map[string]model.RoutingRule, len(rules)),
	}

	for _, rule := range rules {
		if rule.Pattern == "" || rule.TargetAgent == "" || rule.Endpoint == "" {
			return nil, fmt.Errorf("incomplete routing rule %+v", rule)
		}
		if _, exists := t.rules[rule.Pattern]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePattern, rule.Pattern)
		}
		t.rules[rule.Pattern] = rule
	}

	t.logger.Info("Routing table loaded", zap.Int("rules", len(t.rules)))
	return t, nil
}

// Route returns the rule for pattern. Failing here is the fail-fast admission
// path: no queue or registry state exists yet for the request.
func (t *Table) Route(pattern string) (model.RoutingRule, error) {
	rule, ok := t.rules[pattern]
	if !ok {
		return model.RoutingRule{}, fmt.Errorf("%w: %s", ErrUnknownPattern, pattern)
	}
	return rule, nil
}

// Patterns returns all registered patterns
func (t *Table) Patterns() []string {
	patterns := make([]string, 0, len(t.rules))
	for p := range t.rules {
		patterns = append(patterns, p)
	}
	return patterns
}

// Size returns the number of loaded rules
func (t *Table) Size() int {
	return len(t.rules)
}
