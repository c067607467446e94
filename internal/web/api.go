package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/maestro/internal/manifest"
	"github.com/mtzanidakis/maestro/internal/mermaid"
	"github.com/mtzanidakis/maestro/internal/schedule"
	"github.com/mtzanidakis/maestro/internal/workflow"
)

const defaultRunsLimit = 50

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/stored", s.listStoredAgents)
	mux.HandleFunc("GET /api/agents/{name}", s.getAgent)

	// Workflows
	mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	mux.HandleFunc("GET /api/workflows/{name}", s.getWorkflow)
	mux.HandleFunc("GET /api/workflows/{name}/mermaid", s.getWorkflowMermaid)
	mux.HandleFunc("POST /api/workflows/{name}/runs", s.startRun)

	// Runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	defs := s.registry.Definitions()
	out := make([]map[string]any, 0, len(defs))
	for _, a := range defs {
		out = append(out, map[string]any{
			"name":        a.Name(),
			"framework":   a.Framework(),
			"mode":        a.Spec.Mode,
			"model":       a.Spec.Model,
			"description": a.Spec.Description,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.registry.Resolve(r.PathValue("name"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, a)
}

func (s *Server) listStoredAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, agents)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := make([]map[string]any, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, workflowToAPI(s.workflows[name]))
	}
	s.mu.RUnlock()
	jsonResponse(w, out)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflow(r.PathValue("name"))
	if !ok {
		jsonError(w, "workflow not found", http.StatusNotFound)
		return
	}
	out := workflowToAPI(wf)
	out["definition"] = wf
	jsonResponse(w, out)
}

func (s *Server) getWorkflowMermaid(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflow(r.PathValue("name"))
	if !ok {
		jsonError(w, "workflow not found", http.StatusNotFound)
		return
	}
	kind := mermaid.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = mermaid.SequenceDiagram
	}
	diagram, err := mermaid.Render(wf, kind, r.URL.Query().Get("orientation"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"kind": string(kind), "diagram": diagram})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflow(r.PathValue("name"))
	if !ok {
		jsonError(w, "workflow not found", http.StatusNotFound)
		return
	}
	if s.runner == nil {
		jsonError(w, "runs are disabled", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.runner.Run(r.Context(), wf, body.Prompt)
	if err != nil {
		if res == nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "result": res})
		return
	}
	out := map[string]any{"result": res}
	if res.Err != nil {
		out["recovered_from"] = res.Err.Error()
	}
	jsonResponse(w, out)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.URL.Query().Get("workflow"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	steps, err := s.store.ListRunSteps(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"run": run, "steps": steps})
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRun(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	workflows := len(s.order)
	s.mu.RUnlock()

	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = s.nats.Status()
	}

	active := 0
	if runs, err := s.store.ListRuns("", defaultRunsLimit); err == nil {
		for _, run := range runs {
			if run.Status == workflow.StatusRunning {
				active++
			}
		}
	}

	jsonResponse(w, map[string]any{
		"status":       "ok",
		"agents_count": s.registry.Len(),
		"workflows":    workflows,
		"active_runs":  active,
		"uptime":       formatUptime(time.Since(s.startedAt)),
		"nats":         natsStatus,
		"timestamp":    time.Now().UTC(),
		"version":      s.version,
	})
}

func workflowToAPI(wf *manifest.Workflow) map[string]any {
	tpl := wf.Spec.Template
	steps := make([]string, 0, len(tpl.Steps))
	for _, st := range tpl.Steps {
		steps = append(steps, st.Name)
	}
	m := map[string]any{
		"name":   wf.Name(),
		"agents": tpl.Agents,
		"steps":  steps,
	}
	if tpl.Event != nil {
		ev := map[string]any{
			"cron":             tpl.Event.Cron,
			"schedule_display": schedule.Describe(tpl.Event.Cron),
		}
		if next := schedule.NextRun(tpl.Event.Cron); next != nil {
			ev["next_run"] = next.UTC()
		}
		m["event"] = ev
	}
	if tpl.Exception != nil {
		m["exception"] = tpl.Exception.Agent
	}
	return m
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
