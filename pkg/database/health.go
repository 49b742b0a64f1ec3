package database

import (
	"context"
	"fmt"
	"time"
)

// HealthStatus reports connectivity plus pool statistics.
type HealthStatus struct {
	Connected    bool          `json:"connected"`
	Latency      time.Duration `json:"latency_ns"`
	TotalConns   int32         `json:"total_conns"`
	IdleConns    int32         `json:"idle_conns"`
	AcquireCount int64         `json:"acquire_count"`
}

// Health pings the database and returns pool statistics.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	err := c.pool.Ping(ctx)
	latency := time.Since(start)

	stat := c.pool.Stat()
	status := HealthStatus{
		Connected:    err == nil,
		Latency:      latency,
		TotalConns:   stat.TotalConns(),
		IdleConns:    stat.IdleConns(),
		AcquireCount: stat.AcquireCount(),
	}
	if err != nil {
		return status, fmt.Errorf("database ping failed: %w", err)
	}
	return status, nil
}
