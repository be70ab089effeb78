package handlers

import (
	"net/http"

	"github.com/termhive/termhive/internal/database"
	"github.com/termhive/termhive/internal/runtime"
)

// ContainerRuntime is set from main.go during init.
var ContainerRuntime runtime.Runtime

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	rtStatus := "disconnected"
	rtBackend := "none"
	if ContainerRuntime != nil && ContainerRuntime.IsAvailable(r.Context()) {
		rtStatus = "connected"
		rtBackend = ContainerRuntime.BackendName()
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"runtime":         rtStatus,
		"runtime_backend": rtBackend,
		"database":        dbStatus,
		"active_sessions": Orchestrator.ActiveSessions(),
	})
}
