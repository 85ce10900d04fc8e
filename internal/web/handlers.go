package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/blobconv/internal/core"
	"github.com/JonMunkholm/blobconv/internal/logging"
	"github.com/JonMunkholm/blobconv/internal/schema"
	"github.com/JonMunkholm/blobconv/internal/web/templates"
)

// dashboardRuns is the number of runs listed on the dashboard.
const dashboardRuns = 20

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	RootType string           `json:"root_type"`
	Running  bool             `json:"running"`
	Since    *time.Time       `json:"since,omitempty"`
	LastRun  *core.RunSummary `json:"last_run,omitempty"`
}

// TablesResponse is the body of GET /api/tables.
type TablesResponse struct {
	Root   string               `json:"root"`
	Tables []schema.TableSchema `json:"tables"`
}

// handleDashboard renders the main dashboard page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data := templates.DashboardData{
		Version:  s.version,
		RootType: s.rootType,
		Status:   s.service.Running(),
		Runs:     s.service.History(dashboardRuns),
		Now:      time.Now(),
	}

	// A schema error still shows the run history
	if st, err := s.service.Structure(ctx); err == nil {
		data.Structure = st
	} else {
		logging.FromContext(ctx).Warn("dashboard without tables", "error", err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.Dashboard(data).Render(ctx, w); err != nil {
		logging.FromContext(ctx).Error("render dashboard", "error", err)
	}
}

// handleIsAlive is the liveness probe.
func (s *Server) handleIsAlive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "alive",
		"version": s.version,
	})
}

// handleStatus reports whether a pass is running and how the last one ended.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.service.Running()
	resp := StatusResponse{
		RootType: s.rootType,
		Running:  status.Running,
	}
	if status.Running {
		since := status.Since
		resp.Since = &since
	}
	if last, ok := s.service.LastRun(); ok {
		resp.LastRun = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRuns returns recent run summaries, newest first.
// The optional limit query parameter caps the count.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs := s.service.History(limit)
	if runs == nil {
		runs = []core.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleTables returns the derived table structure.
func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.Structure(r.Context())
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, TablesResponse{Root: st.Root, Tables: st.Tables})
}

// handleRun starts a conversion pass in the background.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	// The pass outlives the request but not the server
	ctx := core.ContextWithTrigger(s.runCtx, core.TriggerManual)

	id, err := s.service.Start(ctx)
	if err != nil {
		s.respondError(w, r, err, statusFor(err))
		return
	}

	logging.FromContext(r.Context()).Info("conversion pass triggered", "run_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}
