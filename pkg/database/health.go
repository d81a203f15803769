package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus reports connectivity and handle usage for one store file.
type HealthStatus struct {
	Status        string `json:"status"`
	ResponseTime  int64  `json:"response_time_ms"`
	MaxOpenConns  int    `json:"max_open_conns"`
	OpenConns     int    `json:"open_conns"`
	InUse         int    `json:"in_use"`
	WaitedForConn int64  `json:"waited_for_conn"`
}

// Health pings the store and reads handle statistics. On ping failure the
// unhealthy report is returned alongside the error so callers can log both.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	started := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(started).Milliseconds(),
		}, err
	}

	stats := db.Stats()
	return &HealthStatus{
		Status:        "healthy",
		ResponseTime:  time.Since(started).Milliseconds(),
		MaxOpenConns:  stats.MaxOpenConnections,
		OpenConns:     stats.OpenConnections,
		InUse:         stats.InUse,
		WaitedForConn: stats.WaitCount,
	}, nil
}
