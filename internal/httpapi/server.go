package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/clinicsync/internal/backend"
	"github.com/agentworkforce/clinicsync/internal/channel"
	"github.com/agentworkforce/clinicsync/internal/connectivity"
	"github.com/agentworkforce/clinicsync/internal/offlinequeue"
	"github.com/agentworkforce/clinicsync/internal/workflow"
)

type Queue interface {
	Pending() []offlinequeue.Request
	Depth() int
	Drain(ctx context.Context) (offlinequeue.DrainReport, error)
	Clear(ctx context.Context) error
}

type Submitter interface {
	Submit(ctx context.Context, req offlinequeue.Request) (offlinequeue.Request, error)
}

type ChannelStatus interface {
	State() channel.State
	Attempts() int
}

type ServerConfig struct {
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	queue        Queue
	submitter    Submitter
	channel      ChannelStatus
	connectivity connectivity.Signal
	cfg          ServerConfig
	rateLimiter  *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type statusResponse struct {
	Online            bool   `json:"online"`
	ChannelState      string `json:"channelState"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	Pending           int    `json:"pending"`
}

type queueResponse struct {
	Items []offlinequeue.Request `json:"items"`
}

type drainResponse struct {
	Sent    int                   `json:"sent"`
	Skipped bool                  `json:"skipped"`
	Halted  *offlinequeue.Request `json:"halted,omitempty"`
	Cause   string                `json:"cause,omitempty"`
	Pending int                   `json:"pending"`
}

type workflowResponse struct {
	State   string   `json:"state"`
	Icon    string   `json:"icon"`
	Label   string   `json:"label"`
	History []string `json:"history"`
}

func NewServer(queue Queue, submitter Submitter, ch ChannelStatus, signal connectivity.Signal, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		queue:        queue,
		submitter:    submitter,
		channel:      ch,
		connectivity: signal,
		cfg:          cfg,
		rateLimiter:  limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	var route string
	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		route = "status"
	case r.URL.Path == "/v1/queue" && r.Method == http.MethodGet:
		route = "list_queue"
	case r.URL.Path == "/v1/queue" && r.Method == http.MethodPost:
		route = "submit"
	case r.URL.Path == "/v1/queue" && r.Method == http.MethodDelete:
		route = "clear_queue"
	case r.URL.Path == "/v1/queue/drain" && r.Method == http.MethodPost:
		route = "drain"
	case r.URL.Path == "/v1/workflow" && r.Method == http.MethodGet:
		route = "workflow"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "status":
		s.handleStatus(w)
	case "list_queue":
		writeJSON(w, http.StatusOK, queueResponse{Items: s.queue.Pending()})
	case "submit":
		s.handleSubmit(w, r, correlationID)
	case "clear_queue":
		s.handleClear(w, r, correlationID)
	case "drain":
		s.handleDrain(w, r, correlationID)
	case "workflow":
		s.handleWorkflow(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	resp := statusResponse{
		Online:  s.connectivity.Online(),
		Pending: s.queue.Depth(),
	}
	if s.channel != nil {
		resp.ChannelState = s.channel.State().String()
		resp.ReconnectAttempts = s.channel.Attempts()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req offlinequeue.Request
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	queued, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, offlinequeue.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), correlationID)
			return
		}
		if queued.ID == "" {
			writeError(w, http.StatusInternalServerError, "submit_failed", backend.Message(err), correlationID)
			return
		}
		// Queued in memory but not persisted.
		writeJSON(w, http.StatusAccepted, map[string]any{
			"request": queued,
			"warning": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"request": queued})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.queue.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "persist_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.queue.Depth()})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request, correlationID string) {
	if !s.connectivity.Online() {
		writeError(w, http.StatusConflict, "offline", "host is offline", correlationID)
		return
	}
	report, err := s.queue.Drain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persist_failed", err.Error(), correlationID)
		return
	}
	resp := drainResponse{
		Sent:    report.Sent,
		Skipped: report.Skipped,
		Halted:  report.Halted,
		Pending: s.queue.Depth(),
	}
	if report.Cause != nil {
		resp.Cause = backend.Message(report.Cause)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	notes := r.URL.Query().Get("notes")
	state := workflow.Resolve(notes)
	badge := workflow.Display(state)
	writeJSON(w, http.StatusOK, workflowResponse{
		State:   state.String(),
		Icon:    badge.Icon,
		Label:   badge.Label,
		History: workflow.History(notes),
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
