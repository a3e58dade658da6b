// Package monitoring serves a JSON health endpoint next to the Prometheus
// metrics handler: process info plus a snapshot of the inference session.
package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// Snapshot is the caller-provided view of engine state at scrape time.
type Snapshot struct {
	ModelLoaded bool   `json:"model_loaded"`
	FileType    string `json:"file_type,omitempty"`
	NLayer      int    `json:"n_layer,omitempty"`
	NCtx        int    `json:"n_ctx,omitempty"`
	NPast       int    `json:"n_past"`
}

// HealthStatus is the endpoint's response body.
type HealthStatus struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Uptime    string     `json:"uptime"`
	System    SystemInfo `json:"system"`
	Engine    Snapshot   `json:"engine"`
}

// SystemInfo carries process-level runtime facts.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// Handler builds the health endpoint. snapshot is called per request and may
// be nil when no session exists yet.
func Handler(snapshot func() Snapshot) http.Handler {
	start := time.Now()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		status := HealthStatus{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
			Uptime:    time.Since(start).Round(time.Second).String(),
			System: SystemInfo{
				GoVersion:    runtime.Version(),
				OS:           runtime.GOOS,
				Arch:         runtime.GOARCH,
				NumCPU:       runtime.NumCPU(),
				MemoryUsedMB: int(ms.Alloc / (1 << 20)),
			},
		}
		if snapshot != nil {
			status.Engine = snapshot()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Log.Warn("health encoding failed", "error", err.Error())
		}
	})
}
