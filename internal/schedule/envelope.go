package schedule

// Envelope is the queue message carrying a request between the intake and the worker.
type Envelope struct {
	Request      Request           `json:"request"`
	Source       string            `json:"source"`       // "record" or "request"
	PublishedAt  string            `json:"published_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}
