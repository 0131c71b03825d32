package models

import "github.com/jroosing/streamgate/internal/balancer"

// StatusResponse is the /status payload: uptime, connected-client roster,
// per-client load (sorted desc by the balancer), host resource usage, and
// a version tag.
type StatusResponse struct {
	Status           string                  `json:"status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	BotUsername      string                  `json:"bot_username,omitempty"`
	Mode             string                  `json:"mode"`
	ConnectedClients int                     `json:"connected_clients"`
	Clients          []balancer.ClientStatus `json:"clients"`
	CPU              CPUStats                `json:"cpu"`
	Memory           MemoryStats             `json:"memory"`
	Version          string                  `json:"version"`
}

// CPUStats mirrors a single gopsutil sample across all cores.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
}

// MemoryStats mirrors a single gopsutil virtual-memory sample.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}
