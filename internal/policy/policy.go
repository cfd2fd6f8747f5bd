// Package policy evaluates retry rules against the state of a failed
// payment attempt. Rules are boolean govaluate expressions over attempt
// parameters; a retry is allowed only when every configured rule passes.
// Policies can only restrict retries further than the hard MaxRetries
// bound — they can never widen it.
package policy

import (
	"fmt"

	"github.com/Knetic/govaluate"
)

// RuleConfig is one named retry rule. Expression must evaluate to a boolean
// over the parameters passed to Evaluate (e.g. "retry_count < max_retries").
type RuleConfig struct {
	Name       string
	Expression string
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	AllowRetry bool
	Reason     string // name of the rule that denied retry, empty when allowed
}

type compiledRule struct {
	name string
	expr *govaluate.EvaluableExpression
}

// RetryPolicyEnforcer holds compiled retry rules.
type RetryPolicyEnforcer struct {
	rules []compiledRule
}

// DefaultRules encodes the baseline contract: retries re-check an existing
// gateway-side transaction and stop at the configured bound.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{Name: "BoundedRetry", Expression: "retry_count < max_retries"},
		{Name: "RequiresTransaction", Expression: "has_transaction == true"},
	}
}

// NewRetryPolicyEnforcer compiles the given rules. Compilation failures are
// configuration errors and surface at startup, not at retry time.
func NewRetryPolicyEnforcer(rules []RuleConfig) (*RetryPolicyEnforcer, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rc := range rules {
		if rc.Name == "" {
			return nil, fmt.Errorf("policy: rule with empty name")
		}
		expr, err := govaluate.NewEvaluableExpression(rc.Expression)
		if err != nil {
			return nil, fmt.Errorf("policy: compile rule %q: %w", rc.Name, err)
		}
		compiled = append(compiled, compiledRule{name: rc.Name, expr: expr})
	}
	return &RetryPolicyEnforcer{rules: compiled}, nil
}

// Evaluate runs every rule against params. The first rule that evaluates to
// false (or fails to evaluate) denies the retry and names itself as the
// reason.
func (e *RetryPolicyEnforcer) Evaluate(params map[string]interface{}) (Decision, error) {
	for _, rule := range e.rules {
		result, err := rule.expr.Evaluate(params)
		if err != nil {
			return Decision{AllowRetry: false, Reason: rule.name},
				fmt.Errorf("policy: evaluate rule %q: %w", rule.name, err)
		}
		pass, ok := result.(bool)
		if !ok {
			return Decision{AllowRetry: false, Reason: rule.name},
				fmt.Errorf("policy: rule %q did not evaluate to a boolean", rule.name)
		}
		if !pass {
			return Decision{AllowRetry: false, Reason: rule.name}, nil
		}
	}
	return Decision{AllowRetry: true}, nil
}
