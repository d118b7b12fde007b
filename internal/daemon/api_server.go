package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"spool/internal/api"
	"spool/internal/config"
	"spool/internal/logging"
	"spool/internal/queue"
	"spool/internal/stream"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, errors.New("api server requires config and daemon")
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, errors.New("paths.api_bind is empty")
	}

	mux := http.NewServeMux()
	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
		// The daemon binds to loopback; browser origin checks don't apply.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	mux.HandleFunc("/api/status", srv.handleStatus)
	mux.HandleFunc("/api/shutdown", srv.handleShutdown)
	mux.HandleFunc("/api/jobs", srv.handleJobs)
	mux.HandleFunc("/api/jobs/", srv.handleJobSubtree)

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// addr returns the bound listen address, useful when binding to port 0.
func (s *apiServer) addr() string {
	if s.listener == nil {
		return s.bind
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.Status())
}

func (s *apiServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.daemon.requestShutdown()
	s.writeJSON(w, http.StatusOK, map[string]bool{"stopping": true})
}

func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	jobID, err := s.daemon.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.SubmitResponse{
		JobID:   jobID,
		Message: fmt.Sprintf("job %s accepted", jobID),
	})
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	var statuses []stream.JobStatus
	for _, value := range r.URL.Query()["status"] {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		statuses = append(statuses, stream.JobStatus(trimmed))
	}
	jobs, err := s.daemon.ListJobs(r.Context(), statuses)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	records := make([]api.JobRecord, 0, len(jobs))
	for _, job := range jobs {
		records = append(records, toRecord(job))
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: records})
}

// handleJobSubtree routes /api/jobs/{id}, /api/jobs/{id}/events, and
// /api/jobs/{id}/duplicates/{promptId}.
func (s *apiServer) handleJobSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(rest, "/")
	jobID := parts[0]
	if jobID == "" {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	switch {
	case len(parts) == 1:
		s.handleJob(w, r, jobID)
	case len(parts) == 2 && parts[1] == "events":
		s.handleEvents(w, r, jobID)
	case len(parts) == 3 && parts[1] == "duplicates":
		s.handleResolve(w, r, jobID, parts[2])
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *apiServer) handleJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, err := s.daemon.GetJob(r.Context(), jobID)
	if errors.Is(err, queue.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobResponse{Job: toRecord(job)})
}

func (s *apiServer) handleResolve(w http.ResponseWriter, r *http.Request, jobID, promptID string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	choice, err := stream.ParseChoice(req.Choice)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.daemon.ResolvePrompt(jobID, promptID, choice)
	switch {
	case errors.Is(err, ErrJobUnknown):
		s.writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		// Unknown prompt: already resolved or never existed. 409 tells the
		// client to treat it as resolved rather than as a failure.
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, api.ResolveResponse{Resolved: true})
	}
}

// handleEvents upgrades to a websocket and streams the job's events,
// resuming after the optional since cursor. Cursors that have aged out of
// the hub's buffer are served a fresh snapshot first.
func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	hub, err := s.daemon.JobHub(jobID)
	if errors.Is(err, ErrJobUnknown) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	defer conn.Close()

	cursor := since
	if snap, backlog := hub.Resume(since); snap != nil {
		if err := writeEvent(conn, snap); err != nil {
			return
		}
		cursor = snap.LastSeq
	} else {
		for _, ev := range backlog {
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			cursor = ev.Sequence()
		}
	}

	for {
		events, next, err := hub.Fetch(r.Context(), cursor, 0, true)
		for _, ev := range events {
			if werr := writeEvent(conn, ev); werr != nil {
				return
			}
		}
		cursor = next
		if err != nil {
			if errors.Is(err, stream.ErrHubClosed) {
				// Terminal event delivered; close the stream cleanly.
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			}
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev stream.Event) error {
	data, err := stream.Encode(ev)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func toRecord(job *queue.Job) api.JobRecord {
	record := api.JobRecord{
		JobID:    job.ID,
		URLs:     job.URLs,
		Status:   string(job.Status),
		Message:  job.Message,
		Error:    job.Error,
		ExitCode: job.ExitCode,
		Stats:    job.Stats,
	}
	if !job.CreatedAt.IsZero() {
		record.CreatedAt = job.CreatedAt.Format(time.RFC3339)
	}
	if !job.UpdatedAt.IsZero() {
		record.UpdatedAt = job.UpdatedAt.Format(time.RFC3339)
	}
	return record
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String("component", "api-server"))
	}
	return logging.NewNop()
}
