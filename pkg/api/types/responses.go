// Package types contains request and response types for the API.
package types

import "time"

// APIResponse is the standard API response wrapper.
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Running   int    `json:"running"`
}

// RunSummary is one entry of the run listing.
type RunSummary struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Seed     int64     `json:"seed"`
	Result   string    `json:"result"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	Servers  int       `json:"servers"`
	Zones    int       `json:"zones"`
	Diffs    int       `json:"diffs"`
}

// RunsResponse lists stored runs, newest first.
type RunsResponse struct {
	Runs  []RunSummary `json:"runs"`
	Total int          `json:"total"`
}

// CreateRunResponse is returned when a scenario run is accepted.
type CreateRunResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Name    string `json:"name"`
}
