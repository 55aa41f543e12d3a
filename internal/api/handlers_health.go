package api

import (
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/spintel/analytics-server/infrastructure/httputil"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
		"environment":   string(s.cfg.Env),
		"memoryMB":      processMemoryMB(),
		"tenants":       s.store.TenantCount(),
		"subscriptions": s.broker.Count(),
	})
}

// processMemoryMB reports resident memory in megabytes; 0 when the platform
// probe fails.
func processMemoryMB() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return float64(mem.RSS) / (1024 * 1024)
}
