package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"wincell/internal/launcher"
)

// APIServer exposes the agent's state over HTTP. Every endpoint is
// read-only.
type APIServer struct {
	agent  *Agent
	server *http.Server
	logger *logrus.Entry
}

// NewAPIServer creates a status API server for agent.
func NewAPIServer(agent *Agent, addr string, logger *logrus.Entry) *APIServer {
	api := &APIServer{
		agent:  agent,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", api.handleStatus)
	mux.HandleFunc("/api/containers", api.handleContainers)
	mux.HandleFunc("/api/containers/{id}", api.handleContainer)
	mux.HandleFunc("/api/history", api.handleHistory)
	mux.Handle("/metrics", promhttp.HandlerFor(agent.metrics, promhttp.HandlerOpts{}))

	api.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return api
}

// Handler returns the API's request router.
func (api *APIServer) Handler() http.Handler {
	return api.server.Handler
}

// ListenAndServe starts the HTTP API server.
func (api *APIServer) ListenAndServe() error {
	api.logger.WithField("addr", api.server.Addr).Info("status API listening")
	return api.server.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (api *APIServer) Shutdown(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

type statusResponse struct {
	Status        string        `json:"status"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	NativeHooks   bool          `json:"native_hooks"`
	Privileges    string        `json:"privileges"`
	Containers    int           `json:"containers"`
	Mounts        []string      `json:"mounts"`
	Policy        policySummary `json:"policy"`
}

type policySummary struct {
	Version     uint64 `json:"version"`
	ContainerID string `json:"container_id"`
	Redirects   int    `json:"redirects"`
}

func (api *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := 0
	for _, s := range api.agent.Status() {
		if s.Phase != PhaseRemoved {
			active++
		}
	}

	state := api.agent.pipeline.Register().Snapshot()
	writeJSON(w, statusResponse{
		Status:        "running",
		UptimeSeconds: time.Since(api.agent.started).Seconds(),
		NativeHooks:   api.agent.pipeline.Native(),
		Privileges:    describePrivileges(),
		Containers:    active,
		Mounts:        api.agent.Sessions(),
		Policy: policySummary{
			Version:     state.Version,
			ContainerID: state.ContainerID,
			Redirects:   len(state.Redirects),
		},
	})
}

func (api *APIServer) handleContainers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, api.agent.Status())
}

func (api *APIServer) handleContainer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, ok := api.agent.status.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "Container not found", http.StatusNotFound)
		return
	}
	writeJSON(w, status)
}

// handleHistory returns the launch audit log, optionally filtered by
// ?container=<id>.
func (api *APIServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries, err := launcher.ReadAuditLog(api.agent.cfg.AuditPath)
	if err != nil {
		api.logger.WithError(err).Error("read audit log")
		http.Error(w, fmt.Sprintf("Failed to read audit log: %v", err), http.StatusInternalServerError)
		return
	}

	if id := r.URL.Query().Get("container"); id != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.ContainerID == id {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if entries == nil {
		entries = []launcher.AuditEntry{}
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
