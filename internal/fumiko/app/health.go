package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/fumiko/common/version"
	"github.com/bdobrica/fumiko/internal/fumiko/audit"
	"github.com/bdobrica/fumiko/internal/fumiko/confirm"
)

// HealthServer exposes /health, /status, and /stats/{userID}.
// It is optional; Fumiko runs without it when HTTPAddr is empty.
type HealthServer struct {
	addr      string
	audit     *audit.Log
	confirms  *confirm.Store
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status               string    `json:"status"`
	Version              string    `json:"version"`
	Commit               string    `json:"commit"`
	BuildTime            string    `json:"build_time"`
	StartedAt            time.Time `json:"started_at"`
	UptimeSecs           float64   `json:"uptime_seconds"`
	AuditRecords         int       `json:"audit_records"`
	PendingConfirmations int       `json:"pending_confirmations"`
}

// NewHealthServer creates and configures the HTTP server (does not start it).
func NewHealthServer(addr string, auditLog *audit.Log, confirms *confirm.Store) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		audit:     auditLog,
		confirms:  confirms,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/status", hs.handleStatus)
	mux.HandleFunc("/stats/", hs.handleStats)
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener (e.g. with httptest.NewRecorder).
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	// Shutdown when ctx is cancelled.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

// handleHealth responds with a simple ok JSON payload.
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus responds with runtime statistics.
func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	records := 0
	if h.audit != nil {
		if n, err := h.audit.Count(r.Context()); err == nil {
			records = n
		}
	}
	pending := 0
	if h.confirms != nil {
		pending = h.confirms.PendingCount(time.Now())
	}

	uptime := time.Since(h.startedAt).Seconds()
	resp := statusResponse{
		Status:               "ok",
		Version:              version.Version,
		Commit:               version.GitCommit,
		BuildTime:            version.BuildTime,
		StartedAt:            h.startedAt,
		UptimeSecs:           uptime,
		AuditRecords:         records,
		PendingConfirmations: pending,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStats responds with per-user command statistics from the audit log.
// The user ID is the path suffix: GET /stats/@alice:example.com
func (h *HealthServer) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimPrefix(r.URL.Path, "/stats/")
	if userID == "" {
		http.Error(w, "user ID required", http.StatusBadRequest)
		return
	}

	stats, err := h.audit.StatsFor(r.Context(), userID)
	if err != nil {
		slog.Warn("health: stats query failed", "user", userID, "err", err)
		http.Error(w, "stats query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
