package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/austindbirch/schedhook/internal/config"
	"github.com/austindbirch/schedhook/internal/schedule"
)

// Fixed retry policy: the scheduler never retries; a task either fires within a
// minute of its trigger time or goes to the dead-letter queue.
const (
	MaximumRetryAttempts     = 0
	MaximumEventAgeInSeconds = 60
)

var errUnset = errors.New("must be set")

// Targets are the destination settings every schedule shares.
type Targets struct {
	Arn                   string
	RoleArn               string
	DeadLetterArn         string
	Input                 string
	GroupName             string
	ActionAfterCompletion string
}

// TargetsFromConfig fails with *ConfigurationError naming every unset ARN variable.
func TargetsFromConfig(cfg config.Scheduler) (Targets, error) {
	if missing := cfg.MissingTargets(); len(missing) > 0 {
		return Targets{}, &ConfigurationError{Key: strings.Join(missing, ", "), Err: errUnset}
	}
	return Targets{
		Arn:                   cfg.TargetARN,
		RoleArn:               cfg.RoleARN,
		DeadLetterArn:         cfg.DLQARN,
		Input:                 cfg.TargetInput,
		GroupName:             cfg.GroupName,
		ActionAfterCompletion: cfg.ActionAfterCompletion,
	}, nil
}

// CreateScheduleInput is the CreateSchedule request body.
type CreateScheduleInput struct {
	ActionAfterCompletion      string             `json:"ActionAfterCompletion,omitempty"`
	ClientToken                string             `json:"ClientToken"`
	FlexibleTimeWindow         FlexibleTimeWindow `json:"FlexibleTimeWindow"`
	GroupName                  string             `json:"GroupName,omitempty"`
	RetryPolicy                RetryPolicy        `json:"RetryPolicy"`
	ScheduleExpression         string             `json:"ScheduleExpression"`
	ScheduleExpressionTimezone string             `json:"ScheduleExpressionTimezone"`
	Target                     Target             `json:"Target"`
}

type FlexibleTimeWindow struct {
	Mode schedule.TimeWindowMode `json:"Mode"`
}

type RetryPolicy struct {
	MaximumRetryAttempts     int `json:"MaximumRetryAttempts"`
	MaximumEventAgeInSeconds int `json:"MaximumEventAgeInSeconds"`
}

type Target struct {
	Arn              string           `json:"Arn"`
	RoleArn          string           `json:"RoleArn"`
	Input            string           `json:"Input"`
	DeadLetterConfig DeadLetterConfig `json:"DeadLetterConfig"`
}

type DeadLetterConfig struct {
	Arn string `json:"Arn"`
}

// BuildBody renders the CreateSchedule body. Mode and RetryPolicy are constants
// and never come from the request.
func BuildBody(req schedule.Request, t Targets) ([]byte, error) {
	if t.Arn == "" || t.RoleArn == "" || t.DeadLetterArn == "" {
		return nil, &ConfigurationError{Key: "targets", Err: errUnset}
	}

	input, err := targetInput(req, t)
	if err != nil {
		return nil, err
	}

	timezone := req.ScheduleExpressionTimezone
	if timezone == "" {
		timezone = schedule.DefaultTimezone
	}

	return json.Marshal(CreateScheduleInput{
		ActionAfterCompletion:      t.ActionAfterCompletion,
		ClientToken:                req.ClientToken,
		FlexibleTimeWindow:         FlexibleTimeWindow{Mode: schedule.TimeWindowOff},
		GroupName:                  t.GroupName,
		RetryPolicy:                RetryPolicy{MaximumRetryAttempts: MaximumRetryAttempts, MaximumEventAgeInSeconds: MaximumEventAgeInSeconds},
		ScheduleExpression:         req.ScheduleExpression,
		ScheduleExpressionTimezone: timezone,
		Target: Target{
			Arn:              t.Arn,
			RoleArn:          t.RoleArn,
			Input:            input,
			DeadLetterConfig: DeadLetterConfig{Arn: t.DeadLetterArn},
		},
	})
}

// targetInput picks the request payload, then the configured default, then {"pk":name}.
func targetInput(req schedule.Request, t Targets) (string, error) {
	if req.Input != "" {
		return req.Input, nil
	}
	if t.Input != "" {
		return t.Input, nil
	}
	b, err := json.Marshal(map[string]string{"pk": req.Name})
	if err != nil {
		return "", fmt.Errorf("encode default input: %w", err)
	}
	return string(b), nil
}
