package schedule

import "time"

const DLQType = "schedule.dlq"

type DeadLetter struct {
	Type       string  `json:"type"`    // "schedule.dlq"
	Version    string  `json:"version"` // schema version
	At         string  `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string  `json:"reason"`  // classified failure reason
	HTTPStatus int     `json:"http_status,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
	Request    Request `json:"request"` // full request snapshot
}

func NewDeadLetter(r Request, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().Format(time.RFC3339Nano),
		Reason:     reason,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Request:    r,
	}
}
