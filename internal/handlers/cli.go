package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/termhive/termhive/internal/config"
	"github.com/termhive/termhive/internal/middleware"
	"github.com/termhive/termhive/internal/session"
)

// Orchestrator is set from main.go during init.
var Orchestrator *session.Orchestrator

type sessionInfo struct {
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	VolumeName    string `json:"volume_name"`
	Port          int    `json:"port"`
	URL           string `json:"url"`
	DashboardURL  string `json:"dashboard_url,omitempty"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	LastAccessed  string `json:"last_accessed"`
}

type workspaceInfo struct {
	Path       string `json:"path"`
	Persistent bool   `json:"persistent"`
	Note       string `json:"note"`
}

type resourceLimits struct {
	Memory      string `json:"memory"`
	CPU         string `json:"cpu"`
	Processes   string `json:"processes"`
	IdleTimeout string `json:"idle_timeout"`
}

func recordToInfo(rec session.Record) sessionInfo {
	return sessionInfo{
		ContainerID:   rec.ContainerRef,
		ContainerName: rec.ContainerName,
		VolumeName:    rec.WorkspaceVolume,
		Port:          rec.Port,
		URL:           rec.EndpointURL,
		DashboardURL:  rec.DashboardURL,
		Status:        string(rec.State),
		CreatedAt:     formatTimestamp(rec.CreatedAt),
		LastAccessed:  formatTimestamp(rec.LastActivityAt),
	}
}

func publishedLimits() resourceLimits {
	return resourceLimits{
		Memory:      config.Cfg.SessionMemory,
		CPU:         fmt.Sprintf("%s cores", config.Cfg.SessionCPUs),
		Processes:   fmt.Sprintf("%d max", config.Cfg.SessionPids),
		IdleTimeout: config.Cfg.IdleTimeout,
	}
}

// RequestSession returns the caller's session, creating one if none exists.
func RequestSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	identity := user.Username

	existing, had := Orchestrator.Peek(identity)

	rec, err := Orchestrator.RequestSession(r.Context(), identity)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrPortsExhausted), errors.Is(err, session.ErrAtCapacity):
			writeError(w, http.StatusServiceUnavailable,
				fmt.Sprintf("System at capacity. Maximum %d concurrent sessions supported.", Orchestrator.Capacity()))
		case errors.Is(err, session.ErrRuntimeUnavailable):
			writeError(w, http.StatusServiceUnavailable, "Container runtime is not available")
		default:
			writeError(w, http.StatusInternalServerError, "Failed to create CLI session")
		}
		return
	}

	sessionType := "new"
	message := fmt.Sprintf("CLI session created for %s", identity)
	if had && existing.ContainerRef == rec.ContainerRef {
		sessionType = "existing"
		message = fmt.Sprintf("Returning existing CLI session for %s", identity)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"message":        message,
		"session_type":   sessionType,
		"container_info": recordToInfo(rec),
		"workspace": workspaceInfo{
			Path:       "/workspace",
			Persistent: true,
			Note:       "Files saved in /workspace persist between sessions",
		},
		"resource_limits": publishedLimits(),
	})
}

// GetStatus reports whether the caller has a live session. A hit doubles as
// the liveness heartbeat that defers idle eviction.
func GetStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	username := chi.URLParam(r, "username")
	if username != user.Username {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	rec, ok := Orchestrator.GetStatus(r.Context(), user.Username)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"exists":  false,
			"message": "No active CLI session found",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exists":         true,
		"container_info": recordToInfo(rec),
	})
}

// TerminateSession explicitly tears down the caller's session. Unlike the
// reaper's path, terminating a session that doesn't exist is reported.
func TerminateSession(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	username := chi.URLParam(r, "username")
	if username != user.Username {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	if err := Orchestrator.TerminateSession(r.Context(), user.Username); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "No active session found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to terminate session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("CLI session terminated for %s", user.Username),
	})
}

// SystemStatus is the authenticated snapshot endpoint: the caller's session
// (without a heartbeat side effect) plus system-wide capacity.
func SystemStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var info *sessionInfo
	if rec, ok := Orchestrator.Peek(user.Username); ok {
		i := recordToInfo(rec)
		info = &i
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user": map[string]interface{}{
			"username":       user.Username,
			"has_session":    info != nil,
			"container_info": info,
		},
		"system": map[string]interface{}{
			"active_sessions":   Orchestrator.ActiveSessions(),
			"max_capacity":      Orchestrator.Capacity(),
			"runtime_available": Orchestrator.RuntimeAvailable(r.Context()),
		},
	})
}
