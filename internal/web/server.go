// Package web serves the local JSON API and event stream that front a
// job server: workflow selection, form edits, uploads, generation,
// history and settings.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/hurricanerix/loom/internal/catalog"
	"github.com/hurricanerix/loom/internal/channel"
	"github.com/hurricanerix/loom/internal/comfy"
	"github.com/hurricanerix/loom/internal/config"
	"github.com/hurricanerix/loom/internal/diagnose"
	"github.com/hurricanerix/loom/internal/graph"
	"github.com/hurricanerix/loom/internal/history"
	"github.com/hurricanerix/loom/internal/logging"
	"github.com/hurricanerix/loom/internal/media"
	"github.com/hurricanerix/loom/internal/protocol"
	"github.com/hurricanerix/loom/internal/tracker"
	"github.com/hurricanerix/loom/internal/workspace"
)

const (
	// DefaultAddr is the default address the server listens on.
	DefaultAddr = "localhost:8080"

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 15 * time.Second

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout = 15 * time.Second

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout = 60 * time.Second

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 30 * time.Second

	// MaxRequestBodySize is the maximum size of JSON request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxPromptLength is the maximum length of a prompt (50KB).
	MaxPromptLength = 50 * 1024

	// uploadOverhead covers multipart framing around an upload.
	uploadOverhead = 1 * 1024 * 1024

	// uploadField is the multipart field carrying an uploaded file.
	uploadField = "file"
)

// stateChannel is a push channel that can report its state.
type stateChannel interface {
	State() (channel.State, error)
}

// Server provides the HTTP API.
type Server struct {
	addr   string
	server *http.Server
	broker *Broker
	logger *logging.Logger

	env         workspace.Env
	sessions    *workspace.Sessions
	rateLimiter *rateLimiter

	unsubscribe func()
}

// NewServer creates a Server listening on addr. Every browser session
// gets its own workspace built from env. If addr is empty, DefaultAddr is
// used.
func NewServer(addr string, env workspace.Env) *Server {
	if addr == "" {
		addr = DefaultAddr
	}

	s := &Server{
		addr:        addr,
		broker:      NewBroker(),
		logger:      logging.OrDiscard(env.Logger).Named("web"),
		env:         env,
		rateLimiter: newRateLimiter(),
	}
	s.sessions = workspace.NewSessions(func(sessionID string) *workspace.Workspace {
		return workspace.New(env, &sessionObserver{broker: s.broker, sessionID: sessionID, logger: s.logger})
	}, s.logger)
	s.broker.onConnect = s.sendConnectionState

	if env.Channel != nil {
		s.unsubscribe = env.Channel.Subscribe(&channelRelay{broker: s.broker})
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      SessionMiddleware(mux),
		ReadTimeout:  ReadTimeout,
		WriteTimeout: WriteTimeout,
		IdleTimeout:  IdleTimeout,
	}
	return s
}

// Broker returns the SSE broker.
func (s *Server) Broker() *Broker {
	return s.broker
}

// Sessions returns the per-session workspaces.
func (s *Server) Sessions() *workspace.Sessions {
	return s.sessions
}

// Handler returns the root handler, session middleware included.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /api/workflows", s.handleWorkflows)
	mux.HandleFunc("POST /api/workflows/{name}/load", s.handleLoad)
	mux.HandleFunc("GET /api/form", s.handleForm)
	mux.HandleFunc("POST /api/prompt", s.handlePrompt)
	mux.HandleFunc("POST /api/seed", s.handleSeed)
	mux.HandleFunc("POST /api/upload/{node}", s.handleUpload)
	mux.HandleFunc("POST /api/generate", s.handleGenerate)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("DELETE /api/history", s.handleClearHistory)
	mux.HandleFunc("GET /api/settings", s.handleSettings)
	mux.HandleFunc("PUT /api/settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /api/ping", s.handlePing)
}

// ListenAndServe starts the HTTP server and blocks until the context is cancelled.
// Returns an error if the server fails to start or encounters a non-graceful shutdown error.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.rateLimiter.startCleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting web server on http://%s", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down web server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		// Streams never end on their own, so close them before draining.
		if err := s.broker.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("broker shutdown failed: %w", err)
		}
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		s.Close()

		s.logger.Info("Web server stopped")
		return nil

	case err := <-errCh:
		s.Close()
		return fmt.Errorf("server error: %w", err)
	}
}

// Close detaches from the channel and abandons every session's job.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.sessions.Shutdown()
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.broker.ServeHTTP(w, r)
}

func (s *Server) workspace(r *http.Request) *workspace.Workspace {
	return s.sessions.GetOrCreate(GetSessionID(r.Context()))
}

// handleWorkflows lists the catalog, filtered by the q query parameter.
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.env.Catalog.Scan()
	if err != nil {
		s.logger.Error("Failed to scan workflows: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	writeJSON(w, http.StatusOK, catalog.Search(list, r.URL.Query().Get("q")))
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	form, err := s.workspace(r).LoadWorkflow(r.PathValue("name"))
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	form, err := s.workspace(r).Form()
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

type promptRequest struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if !decodeBody(w, r, &req) {
		return
	}

	role := graph.Role(req.Role)
	if role != graph.RolePositive && role != graph.RoleNegative {
		writeError(w, http.StatusBadRequest, "role must be positive or negative")
		return
	}
	if len(req.Text) > MaxPromptLength {
		writeError(w, http.StatusRequestEntityTooLarge, "prompt too long")
		return
	}

	form, err := s.workspace(r).SetPrompt(role, req.Text)
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

type seedRequest struct {
	Seed   *int64 `json:"seed"`
	Random bool   `json:"random"`
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ws := s.workspace(r)
	var (
		form workspace.Form
		err  error
	)
	switch {
	case req.Random:
		form, err = ws.RandomizeSeed()
	case req.Seed != nil:
		form, err = ws.SetSeed(*req.Seed)
	default:
		writeError(w, http.StatusBadRequest, "seed or random required")
		return
	}
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := GetSessionID(r.Context())
	if !s.rateLimiter.allowUpload(sessionID) {
		s.logger.Warn("Rate limit exceeded for session %s (upload)", sessionID)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize())

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "file required")
		return
	}
	defer file.Close()

	form, err := s.workspace(r).Upload(r.Context(), r.PathValue("node"), header.Filename, header.Size, file)
	if err != nil {
		s.writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

// maxUploadSize is the largest per-kind limit plus multipart framing.
func (s *Server) maxUploadSize() int64 {
	settings := config.DefaultSettings()
	if s.env.Settings != nil {
		settings = s.env.Settings.Get()
	}
	var largest int64
	for _, limit := range []int64{
		settings.SizeLimit(media.KindImage),
		settings.SizeLimit(media.KindVideo),
		settings.SizeLimit(media.KindAudio),
	} {
		largest = max(largest, limit)
	}
	return largest + uploadOverhead
}

type generateRequest struct {
	RandomSeed bool `json:"random_seed"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	sessionID := GetSessionID(r.Context())

	if !s.rateLimiter.allowGenerate(sessionID) {
		s.logger.Warn("Rate limit exceeded for session %s (generate)", sessionID)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req generateRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	// The job outlives the request.
	ctx := context.WithoutCancel(r.Context())
	job, err := s.workspace(r).Generate(ctx, workspace.GenerateOptions{RandomizeSeed: req.RandomSeed})
	if err != nil {
		report := diagnose.Explain("Generation failed", err)
		s.logger.Warn("Generate failed for session %s: %v", sessionID, err)
		_ = s.broker.SendEvent(sessionID, EventJobError, jobErrorPayload{Report: report})
		writeJSON(w, generateStatus(err), errorResponse{Status: "error", Message: report.Message, Report: &report})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok", "job_id": job.ID})
}

func generateStatus(err error) int {
	switch {
	case errors.Is(err, tracker.ErrJobInProgress), errors.Is(err, workspace.ErrNoWorkflow):
		return http.StatusConflict
	case errors.Is(err, comfy.ErrConnectivity):
		return http.StatusServiceUnavailable
	case errors.Is(err, comfy.ErrRequestFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.env.History.Load()
	if err != nil {
		s.logger.Error("Failed to load history: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, history.Rebase(entries, s.serverURL()))
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.env.History.Clear(); err != nil {
		s.logger.Error("Failed to clear history: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serverURL() string {
	if s.env.Settings == nil {
		return config.DefaultServerURL
	}
	return s.env.Settings.Get().ServerURL()
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.env.Settings.Get())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update config.Settings
	if !decodeBody(w, r, &update) {
		return
	}
	settings, err := s.env.Settings.Update(update)
	if err != nil {
		s.logger.Warn("Rejected settings update: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := s.env.Server.Ping(r.Context()); err != nil {
		report := diagnose.Explain("Connection test failed", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Status: "error", Message: report.Message, Report: &report})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "server": s.serverURL()})
}

// writeWorkspaceError maps workspace, catalog and graph errors to statuses.
func (s *Server) writeWorkspaceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrWorkflowNotFound):
		status = http.StatusNotFound
	case errors.Is(err, catalog.ErrInvalidName),
		errors.Is(err, graph.ErrRoleNotFound),
		errors.Is(err, workspace.ErrNoUploadSlot):
		status = http.StatusBadRequest
	case errors.Is(err, graph.ErrInvalidGraph):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, workspace.ErrNoWorkflow):
		status = http.StatusConflict
	case errors.Is(err, workspace.ErrFileTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, comfy.ErrConnectivity):
		status = http.StatusServiceUnavailable
	case errors.Is(err, comfy.ErrRequestFailed):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed: %v", err)
	}
	writeError(w, status, err.Error())
}

// sendConnectionState tells a new stream where the channel stands.
func (s *Server) sendConnectionState(sessionID string) {
	sc, ok := s.env.Channel.(stateChannel)
	if !ok {
		return
	}
	state, err := sc.State()
	_ = s.broker.SendEvent(sessionID, EventConnection, connectionPayload(state, err))
}

type errorResponse struct {
	Status  string           `json:"status"`
	Message string           `json:"message"`
	Report  *diagnose.Report `json:"report,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a required JSON body into v. It writes the error
// response itself and reports whether the handler should continue.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody for endpoints where an empty body means
// defaults.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

type jobErrorPayload struct {
	JobID  string          `json:"job_id,omitempty"`
	Report diagnose.Report `json:"report"`
}

// sessionObserver forwards a workspace's job progress to its stream.
type sessionObserver struct {
	broker    *Broker
	sessionID string
	logger    *logging.Logger
}

func (o *sessionObserver) JobUpdated(u tracker.Update) {
	_ = o.broker.SendEvent(o.sessionID, EventJobProgress, u)
}

func (o *sessionObserver) JobFinished(out tracker.Outcome) {
	if out.Err != nil {
		report := diagnose.Explain("Generation failed", out.Err)
		o.logger.Warn("Job %s failed (%s): %s", out.JobID, report.Category, report.Message)
		_ = o.broker.SendEvent(o.sessionID, EventJobError, jobErrorPayload{JobID: out.JobID, Report: report})
		return
	}
	o.logger.Info("Job %s finished with %d artifacts in %s", out.JobID, len(out.Artifacts), out.Elapsed.Round(time.Millisecond))
	_ = o.broker.SendEvent(o.sessionID, EventJobDone, out)
}

// channelRelay broadcasts queue and connection changes to every stream.
type channelRelay struct {
	broker *Broker
}

func (c *channelRelay) HandleEvent(ev protocol.Event) {
	status, ok := ev.(*protocol.StatusEvent)
	if !ok {
		return
	}
	c.broker.SendEventToAll(EventQueueStatus, map[string]any{
		"running": status.QueueRunning,
		"pending": status.QueuePending,
		"total":   status.Total(),
		"polled":  status.Polled,
	})
}

func (c *channelRelay) HandleState(state channel.State, err error) {
	c.broker.SendEventToAll(EventConnection, connectionPayload(state, err))
}

func connectionPayload(state channel.State, err error) map[string]string {
	payload := map[string]string{"state": state.String()}
	if err != nil {
		payload["error"] = err.Error()
	}
	return payload
}
