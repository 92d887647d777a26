package constraints

import (
	"fmt"
)

type CheckResultType uint8

const (
	_ CheckResultType = iota

	// CheckResultTypeCanBeExtended indicates that the batch can be further extended with additional blocks.
	CheckResultTypeCanBeExtended

	// CheckResultTypeShouldBeSealed indicates that the batch should be finalized and cannot be further extended.
	CheckResultTypeShouldBeSealed
)

func (t CheckResultType) String() string {
	switch t {
	case CheckResultTypeCanBeExtended:
		return "CanBeExtended"
	case CheckResultTypeShouldBeSealed:
		return "ShouldBeSealed"
	default:
		return fmt.Sprintf("CheckResultType(%d)", uint8(t))
	}
}

type CheckResult struct {
	Type    CheckResultType
	Details string
}

func (r *CheckResult) String() string {
	return fmt.Sprintf("%s: %s", r.Type, r.Details)
}

func (r *CheckResult) JoinWith(other *CheckResult) {
	if other.Type > r.Type {
		r.Type = other.Type
	}
	switch {
	case r.Details == "":
		r.Details = other.Details
	case other.Details == "":
	default:
		r.Details = r.Details + "; " + other.Details
	}
}

func canBeExtended() *CheckResult {
	return &CheckResult{Type: CheckResultTypeCanBeExtended}
}

func shouldBeSealed(format string, args ...any) *CheckResult {
	return &CheckResult{
		Type:    CheckResultTypeShouldBeSealed,
		Details: fmt.Sprintf(format, args...),
	}
}
