package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Queue   bool   `json:"queue,omitempty"`
}

// Pinger is satisfied by *nsq.Producer.
type Pinger interface {
	Ping() error
}

// HTTPHandler returns an HTTP handler that reports the health status of the service.
// A nil pinger means the service has no queue dependency.
func HTTPHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Queue: true}

		if p != nil {
			if err := pingWithTimeout(r.Context(), p, time.Second); err != nil {
				st.OK = false
				st.Message = "queue ping failed"
				st.Queue = false
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(st)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}

func pingWithTimeout(ctx context.Context, p Pinger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Ping() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
