// Package nsqstats polls nsqd's HTTP stats endpoint and feeds the queue gauges.
package nsqstats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/austindbirch/schedhook/internal/logging"
	"github.com/austindbirch/schedhook/internal/metrics"
)

// Stats is the subset of /stats?format=json the monitor reads.
type Stats struct {
	Topics []Topic `json:"topics"`
}

type Topic struct {
	Name     string    `json:"topic_name"`
	Depth    int64     `json:"depth"`
	Channels []Channel `json:"channels"`
}

type Channel struct {
	Name          string `json:"channel_name"`
	Depth         int64  `json:"depth"`
	InFlightCount int64  `json:"in_flight_count"`
}

// Client reads stats from one nsqd. HTTPAddr is host:port or a full URL.
type Client struct {
	HTTPAddr string
	HTTP     *http.Client
}

func NewClient(httpAddr string) *Client {
	return &Client{HTTPAddr: httpAddr, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

func (c *Client) statsURL() string {
	base := strings.TrimRight(c.HTTPAddr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + "/stats?format=json"
}

func (c *Client) Fetch(ctx context.Context) (Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statsURL(), nil)
	if err != nil {
		return Stats{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("NSQ stats returned status %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	return stats, nil
}

// Apply updates the channel gauges for every channel of topic and sets the backlog
// gauge from the named channel. The backlog is left untouched when that channel is absent.
func Apply(stats Stats, topic, channel string) {
	for _, t := range stats.Topics {
		if t.Name != topic {
			continue
		}
		for _, ch := range t.Channels {
			if ch.Name == channel {
				metrics.UpdateQueueBacklog(float64(ch.Depth))
			}
			metrics.UpdateChannel(t.Name, ch.Name, float64(ch.Depth), float64(ch.InFlightCount))
		}
	}
}

// Monitor polls on a fixed interval until ctx is done.
type Monitor struct {
	Client   *Client
	Topic    string
	Channel  string
	Interval time.Duration
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Update runs a single poll.
func (m *Monitor) Update(ctx context.Context) error {
	stats, err := m.Client.Fetch(ctx)
	if err != nil {
		return err
	}
	Apply(stats, m.Topic, m.Channel)
	return nil
}

func (m *Monitor) Run(ctx context.Context) {
	clk := m.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := m.Logger
	if logger == nil {
		logger = logging.New("nsq-monitor")
	}

	ticker := clk.Ticker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Update(ctx); err != nil {
				logger.Plain().WithError(err).WithField("topic", m.Topic).Error("Failed to update NSQ metrics")
			}
		}
	}
}
