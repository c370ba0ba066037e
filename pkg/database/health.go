package database

import (
	"context"
	"time"
)

// HealthStatus reports store connectivity for the readiness endpoint
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
}

// Health checks MongoDB connectivity with response timing
func Health(ctx context.Context, c *Client) (*HealthStatus, error) {
	start := time.Now()

	if err := c.Ping(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
	}, nil
}
