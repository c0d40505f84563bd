package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/aurelabs/assay/internal/logx"
	"github.com/aurelabs/assay/internal/session"
)

type hostState struct {
	Hostname       string  `json:"hostname,omitempty"`
	UptimeSeconds  uint64  `json:"uptime_seconds,omitempty"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemTotalBytes  uint64  `json:"mem_total_bytes"`
}

type stateResponse struct {
	Now      time.Time             `json:"now"`
	Sessions []session.SessionInfo `json:"sessions"`
	Host     hostState             `json:"host"`
}

// StateHandler reports live sessions and host load for operators.
func StateHandler(reg *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := stateResponse{
			Now:      time.Now(),
			Sessions: reg.Snapshot(),
			Host:     sampleHost(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logx.Log.Debug().Err(err).Msg("encode state")
		}
	}
}

func sampleHost() hostState {
	var hs hostState
	if info, err := host.Info(); err == nil {
		hs.Hostname = info.Hostname
		hs.UptimeSeconds = info.Uptime
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		hs.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hs.MemUsedPercent = vm.UsedPercent
		hs.MemTotalBytes = vm.Total
	}
	return hs
}
