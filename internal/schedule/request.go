package schedule

import (
	"errors"
	"fmt"
	"regexp"
)

// TimeWindowMode is the scheduler's flexible time window setting. Only OFF is supported.
type TimeWindowMode string

const TimeWindowOff TimeWindowMode = "OFF"

const DefaultTimezone = "UTC"

var (
	ErrInvalidRequest = errors.New("invalid schedule request")

	// at(yyyy-mm-ddThh:mm:ss) with optional fraction and zone designator.
	atExpression = regexp.MustCompile(`^at\((\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?)\)$`)
)

type TimeWindow struct {
	Mode TimeWindowMode `json:"mode"`
}

// Request is the normalized description of one schedule to create. The row identifier
// is both the schedule name and its idempotency token.
type Request struct {
	ClientToken                string     `json:"clientToken"`
	ScheduleExpression         string     `json:"scheduleExpression"`
	ScheduleExpressionTimezone string     `json:"scheduleExpressionTimezone"`
	Name                       string     `json:"name"`
	TimeWindow                 TimeWindow `json:"timeWindow"`
	Input                      string     `json:"input,omitempty"` // Target.Input payload
}

// AtExpression wraps a timestamp into a one-time schedule expression.
func AtExpression(ts string) string {
	return "at(" + ts + ")"
}

// IsOneTime reports whether expr is an at(...) expression.
func IsOneTime(expr string) bool {
	return atExpression.MatchString(expr)
}

// Validate checks the request invariants. Characters in Name are left to the service.
func (r Request) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if r.ClientToken != r.Name {
		return fmt.Errorf("%w: clientToken %q must equal name %q", ErrInvalidRequest, r.ClientToken, r.Name)
	}
	if !IsOneTime(r.ScheduleExpression) {
		return fmt.Errorf("%w: scheduleExpression %q is not an at(...) expression", ErrInvalidRequest, r.ScheduleExpression)
	}
	if r.TimeWindow.Mode != TimeWindowOff {
		return fmt.Errorf("%w: timeWindow.mode %q is not supported", ErrInvalidRequest, r.TimeWindow.Mode)
	}
	return nil
}
