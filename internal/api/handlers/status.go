package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/streamgate/internal/api/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status handles GET/HEAD /status: uptime, connected-client roster,
// per-client load sorted desc by the balancer, host resource usage, and a
// version tag.
func (h *Handler) Status(c *gin.Context) {
	clients := h.balancer.Status()

	resp := models.StatusResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(h.startTime).Seconds()),
		Mode:             string(h.cfg.Mode),
		ConnectedClients: len(clients),
		Clients:          clients,
		CPU:              sampleCPU(),
		Memory:           sampleMemory(),
		Version:          h.version,
	}

	if c.Request.Method == http.MethodHead {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Healthz handles GET /healthz: a cheap liveness probe that skips the
// balancer snapshot and gopsutil sampling Status does, for callers (load
// balancers, orchestrators) that just need a fast yes/no.
func (h *Handler) Healthz(c *gin.Context) {
	c.Status(http.StatusOK)
}

func sampleCPU() models.CPUStats {
	stats := models.CPUStats{NumCPU: runtime.NumCPU()}
	if percents, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(percents) > 0 {
		stats.UsedPercent = percents[0]
	}
	return stats
}

func sampleMemory() models.MemoryStats {
	var stats models.MemoryStats
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.TotalMB = float64(vm.Total) / 1024 / 1024
		stats.UsedMB = float64(vm.Used) / 1024 / 1024
		stats.UsedPercent = vm.UsedPercent
	}
	return stats
}
