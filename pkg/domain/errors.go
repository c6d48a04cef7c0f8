package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrDomain is the sentinel for all business-rule violations. Use
// errors.Is(err, domain.ErrDomain) to classify, and errors.As with
// *DomainError to inspect the offending rule and values.
var ErrDomain = errors.New("domain rule violated")

// Rule names the business rule a command violated.
type Rule string

const (
	RuleUnknownAccount     Rule = "unknown_account"
	RuleDuplicateOpen      Rule = "duplicate_open"
	RuleNegativeOpening    Rule = "negative_opening_balance"
	RuleAccountClosed      Rule = "account_closed"
	RuleNonPositiveAmount  Rule = "non_positive_amount"
	RuleInsufficientFunds  Rule = "insufficient_funds"
	RuleNonZeroBalance     Rule = "close_with_balance"
	RuleSelfTransfer       Rule = "self_transfer"
	RuleInvalidAccountType Rule = "invalid_account_type"
	RuleMissingHolder      Rule = "missing_holder"
	RuleExcessPrecision    Rule = "excess_precision"
)

// DomainError reports a command that violated a business rule. It is
// non-retryable and surfaces to the caller verbatim.
type DomainError struct {
	Rule   Rule
	Values map[string]string
}

func (e *DomainError) Error() string {
	if len(e.Values) == 0 {
		return fmt.Sprintf("domain rule violated: %s", e.Rule)
	}
	keys := make([]string, 0, len(e.Values))
	for k := range e.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, e.Values[k]))
	}
	return fmt.Sprintf("domain rule violated: %s (%s)", e.Rule, strings.Join(parts, ", "))
}

func (e *DomainError) Is(target error) bool {
	return target == ErrDomain
}

// NewDomainError creates a DomainError for the given rule. Values are
// alternating key/value pairs describing the offending state.
func NewDomainError(rule Rule, kv ...string) error {
	values := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		values[kv[i]] = kv[i+1]
	}
	return &DomainError{Rule: rule, Values: values}
}
