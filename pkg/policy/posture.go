package policy

import (
	"fmt"
	"strings"
)

// Mode indicates whether authorization fails open or closed when a policy cannot
// be evaluated.
type Mode string

const (
	// ModeFailClosed denies requests when evaluation errors.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen allows requests to continue when evaluation errors.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode converts a configuration string into a Mode. Empty selects fail-closed.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(value)))
	if mode == "" {
		return ModeFailClosed, nil
	}
	if err := mode.Validate(); err != nil {
		return "", err
	}
	return mode, nil
}

// Validate reports unknown modes.
func (m Mode) Validate() error {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return nil
	default:
		return fmt.Errorf("unsupported policy failure mode %q", m)
	}
}

func (m Mode) decision() Decision {
	if m == ModeFailOpen {
		return Decision{Allow: true, Reason: "policy_error_fail_open"}
	}
	return Decision{Allow: false, Reason: "policy_error"}
}
