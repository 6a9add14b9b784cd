package ledger

import (
	"fmt"
	"strings"
)

// Policy decides what happens when a debit would take a wallet below zero
type Policy string

const (
	// PolicyHard rejects the debit
	PolicyHard Policy = "HARD"
	// PolicySoft applies the debit and logs a warning (postpaid)
	PolicySoft Policy = "SOFT"
	// PolicyNone applies the debit silently
	PolicyNone Policy = "NONE"
)

// ParsePolicy parses a policy name, case-insensitively. Empty means SOFT.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToUpper(strings.TrimSpace(s))) {
	case "", PolicySoft:
		return PolicySoft, nil
	case PolicyHard:
		return PolicyHard, nil
	case PolicyNone:
		return PolicyNone, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}
