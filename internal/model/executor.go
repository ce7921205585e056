package model

import "time"

// WorkerStats is a point-in-time view of a dispatcher worker pool
type WorkerStats struct {
	WorkerID    string    `json:"worker_id"`
	InFlight    int       `json:"in_flight"`
	Backlog     int       `json:"backlog"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	Throttled   bool      `json:"throttled"`
	CollectedAt time.Time `json:"collected_at"`
}
