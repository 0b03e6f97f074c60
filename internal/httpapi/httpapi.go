// Package httpapi implements the control plane's external HTTP surface:
// job CRUD and cancellation, SSE event streams over the three broker
// namespaces, the agent websocket upgrade endpoint, health, and metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/steamctl/internal/apperr"
	"github.com/basket/steamctl/internal/broker"
	"github.com/basket/steamctl/internal/config"
	"github.com/basket/steamctl/internal/metrics"
	ctlotel "github.com/basket/steamctl/internal/otel"
	"github.com/basket/steamctl/internal/registry"
	"github.com/basket/steamctl/internal/store"
	"github.com/basket/steamctl/internal/tunnel"
)

const defaultJobListLimit = 50

// Deps bundles the collaborators the HTTP surface needs. Metrics, OtelMetrics,
// and Tracer may be nil (the /metrics route then serves an empty registry).
type Deps struct {
	Store       *store.Store
	Registry    *registry.Registry
	Broker      *broker.Broker
	Metrics     *metrics.Metrics
	OtelMetrics *ctlotel.Metrics
	Tracer      trace.Tracer
	Config      config.Config
	Logger      *slog.Logger
}

// Server is the control plane's HTTP handler.
type Server struct {
	deps Deps
}

// New builds a Server. Call Handler to obtain the http.Handler to serve.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Handler wires every route the control plane's HTTP surface exposes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	mux.HandleFunc("/v1/jobs", s.requireAdmin(s.handleJobsCollection))
	mux.HandleFunc("/v1/jobs/", s.requireAdmin(s.handleJobsItem))

	mux.HandleFunc("/v1/sessions/events", s.handleSessionsEvents)
	mux.HandleFunc("/v1/auth/challenges/events", s.requireAdmin(s.handleAuthChallengeEvents))
	mux.HandleFunc("/v1/auth/challenges/", s.requireAdmin(s.handleAuthChallengeCode))

	mux.HandleFunc("/v1/agents", s.requireAdmin(s.handleAgents))
	mux.HandleFunc("/v1/agent/ws", s.requireAgent(s.handleAgentWS))

	return mux
}

// --- auth -------------------------------------------------------------

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Config.IsAdminToken(bearerToken(r)) {
			writeError(w, apperr.Unauthorized("admin bearer token required"))
			return
		}
		next(w, r)
	}
}

func (s *Server) requireAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Config.IsAgentToken(bearerToken(r)) {
			writeError(w, apperr.Unauthorized("agent bearer token required"))
			return
		}
		next(w, r)
	}
}

func (s *Server) requireAdminOrAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if !s.deps.Config.IsAdminToken(token) && !s.deps.Config.IsAgentToken(token) {
			writeError(w, apperr.Unauthorized("admin or agent bearer token required"))
			return
		}
		next(w, r)
	}
}

// --- responses ----------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal("internal error", err)
	}
	writeJSON(w, appErr.StatusCode(), map[string]string{"error": appErr.Message})
}

// --- healthz --------------------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Store.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- jobs -------------------------------------------------------------

type createJobRequest struct {
	Action  string            `json:"action"`
	Region  string            `json:"region,omitempty"`
	Targets []string          `json:"targets"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.InvalidArgument("malformed request body"))
		return
	}

	job, _, err := s.deps.Store.CreateJob(r.Context(), store.CreateJobRequest{
		Action:  req.Action,
		Region:  req.Region,
		Targets: req.Targets,
		Payload: req.Payload,
		Meta:    req.Meta,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.deps.Broker.PublishJob(job.ID, "job.created", map[string]any{"jobId": job.ID})
	if s.deps.OtelMetrics != nil {
		s.deps.OtelMetrics.JobsCreated.Add(r.Context(), 1)
	}

	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, apperr.InvalidArgument("limit must be an integer"))
			return
		}
		limit = n
	}

	jobs, err := s.deps.Store.ListJobs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleJobsItem dispatches /v1/jobs/{id}, /v1/jobs/{id}/cancel, and
// /v1/jobs/{id}/events by trimming the known suffixes off the path.
func (s *Server) handleJobsItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	switch {
	case strings.HasSuffix(rest, "/cancel"):
		s.handleCancelJob(w, r, strings.TrimSuffix(rest, "/cancel"))
	case strings.HasSuffix(rest, "/events"):
		s.handleJobEvents(w, r, strings.TrimSuffix(rest, "/events"))
	case rest != "" && !strings.Contains(rest, "/"):
		s.handleGetJob(w, r, rest)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job, tasks, err := s.deps.Store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "tasks": tasks})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.deps.Store.CancelJob(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Broker.PublishJob(jobID, "job.canceled", map[string]any{"jobId": jobID})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Check existence before committing to the stream so an unknown job
	// gets a plain 404 instead of a 200 that then has no events to send.
	if _, _, err := s.deps.Store.GetJob(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}

	sub := s.deps.Broker.SubscribeJob(jobID)
	defer sub.Close()
	streamSSE(w, r, sub.Ch())
}

// --- sessions and auth challenges ----------------------------------------

type sessionEventRequest struct {
	AccountName string `json:"accountName"`
	EventType   string `json:"eventType,omitempty"`
	State       string `json:"state,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (s *Server) handleSessionsEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.requireAdmin(s.handleSubscribeSessionsEvents)(w, r)
	case http.MethodPost:
		s.requireAdminOrAgent(s.handlePublishSessionEvent)(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubscribeSessionsEvents(w http.ResponseWriter, r *http.Request) {
	accountName := r.URL.Query().Get("accountName")
	sub := s.deps.Broker.SubscribeSession(accountName)
	defer sub.Close()
	streamSSE(w, r, sub.Ch())
}

func (s *Server) handlePublishSessionEvent(w http.ResponseWriter, r *http.Request) {
	var req sessionEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountName == "" {
		writeError(w, apperr.InvalidArgument("accountName is required"))
		return
	}
	s.deps.Broker.PublishSession(req.AccountName, req.EventType, req.State, req.Message)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAuthChallengeEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accountName := r.URL.Query().Get("accountName")
	sub := s.deps.Broker.SubscribeAuthChallenge(accountName)
	defer sub.Close()
	streamSSE(w, r, sub.Ch())
}

type authChallengeCodeRequest struct {
	Code string `json:"code"`
	Type string `json:"type,omitempty"`
}

func (s *Server) handleAuthChallengeCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/auth/challenges/")
	accountName := strings.TrimSuffix(rest, "/code")
	if accountName == "" || accountName == rest {
		http.NotFound(w, r)
		return
	}

	var req authChallengeCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, apperr.InvalidArgument("code is required"))
		return
	}
	challengeType := req.Type
	if challengeType == "" {
		challengeType = "email"
	}

	s.deps.Broker.PublishAuthChallenge(accountName, challengeType, req.Code, "")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- agents -------------------------------------------------------------

type agentSummary struct {
	AgentID      string            `json:"agentId"`
	ConnectionID string            `json:"connectionId"`
	Region       string            `json:"region"`
	Capabilities map[string]bool   `json:"capabilities,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := s.deps.Registry.List()
	agents := make([]agentSummary, 0, len(entries))
	for _, e := range entries {
		agents = append(agents, agentSummary{
			AgentID:      e.Hello.AgentID,
			ConnectionID: e.ConnectionID,
			Region:       e.Hello.Region,
			Capabilities: e.Hello.Capabilities,
			Meta:         e.Hello.Meta,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	region := r.URL.Query().Get("region")
	if agentID == "" || region == "" {
		writeError(w, apperr.InvalidArgument("agentId and region query parameters are required"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}

	if err := tunnel.Serve(r.Context(), conn, agentID, region, tunnel.Deps{
		Store:    s.deps.Store,
		Registry: s.deps.Registry,
		Broker:   s.deps.Broker,
		Logger:   s.deps.Logger,
		Tracer:   s.deps.Tracer,
		Metrics:  s.deps.OtelMetrics,
	}); err != nil && s.deps.Logger != nil {
		s.deps.Logger.Debug("agent tunnel ended", slog.String("agent_id", agentID), slog.String("error", err.Error()))
	}
}

// --- SSE ------------------------------------------------------------------

// streamSSE writes one synthetic "ready" event so the client can tell the
// stream is open with no events pending, then one
// "event: <type>\ndata: <json>\n\n" frame per delivered broker event, until
// the client disconnects.
func streamSSE(w http.ResponseWriter, r *http.Request, events <-chan broker.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + ev.Type + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
