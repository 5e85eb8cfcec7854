package recurrence

import (
	"errors"
	"fmt"
)

// ConfigurationError marks a rule that cannot produce occurrences as
// written. It is never retried; the rule owner has to correct the rule.
type ConfigurationError struct {
	RuleID string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("recurrence: invalid rule: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("recurrence: invalid rule %s: %s: %s", e.RuleID, e.Field, e.Reason)
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func configErr(ruleID, field, reason string) error {
	return &ConfigurationError{RuleID: ruleID, Field: field, Reason: reason}
}
