package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStatusResponse represents the system status response
type SystemStatusResponse struct {
	Status       string  `json:"status"` // "healthy" or "degraded"
	UptimeHours  float64 `json:"uptime_hours"`
	CPUPercent   float64 `json:"cpu_percent"`
	RAMPercent   float64 `json:"ram_percent"`
	DiskPercent  float64 `json:"disk_percent"`
	DBSizeMB     float64 `json:"db_size_mb"`
	DBWALSizeMB  float64 `json:"db_wal_size_mb"`
	DBPageCount  int64   `json:"db_page_count"`
	ActiveDrafts int     `json:"active_drafts"`
	Postings     int     `json:"postings"`
}

// handleSystemStatus returns host and database statistics
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	response := SystemStatusResponse{Status: "healthy"}
	response.UptimeHours = time.Since(s.startedAt).Hours()

	cpuPercent, ramPercent := s.getSystemStats()
	response.CPUPercent = cpuPercent
	response.RAMPercent = ramPercent

	if usage, err := disk.Usage(s.dataDir); err == nil {
		response.DiskPercent = usage.UsedPercent
	} else {
		s.log.Warn().Err(err).Str("dir", s.dataDir).Msg("Failed to get disk usage")
	}

	stats, err := s.db.GetStats()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get database stats")
		response.Status = "degraded"
	} else {
		response.DBSizeMB = float64(stats.SizeBytes) / 1024 / 1024
		response.DBWALSizeMB = float64(stats.WALSizeBytes) / 1024 / 1024
		response.DBPageCount = stats.PageCount
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM drafts WHERE status = 'draft'`).Scan(&response.ActiveDrafts); err != nil {
		s.log.Warn().Err(err).Msg("Failed to count active drafts")
		response.Status = "degraded"
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM postings`).Scan(&response.Postings); err != nil {
		s.log.Warn().Err(err).Msg("Failed to count postings")
		response.Status = "degraded"
	}

	respondJSON(w, http.StatusOK, response)
}

// getSystemStats calculates CPU and RAM usage percentages. The short CPU
// sampling interval keeps the endpoint responsive for polling clients.
func (s *Server) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
