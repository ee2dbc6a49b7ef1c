package schedule

type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusFailed    Status = "FAILED"
)

// Result is what a dispatch hands back to its invoker.
type Result struct {
	PK     string `json:"pk"`
	Status Status `json:"status"`
}
