// ABOUTME: HTTP admin API handlers: sessions, locks, usage, context overlay and batch runs
// ABOUTME: The context endpoints are how the agent's tool layer reaches the invoking thread

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/platform"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/session"
	"github.com/2389/coven-relay/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 32 << 20
)

// SessionResponse is the JSON form of a session record.
type SessionResponse struct {
	ThreadID         string `json:"thread_id"`
	SessionID        string `json:"session_id"`
	ChannelID        string `json:"channel_id"`
	GuildID          string `json:"guild_id,omitempty"`
	OriginMessageID  string `json:"origin_message_id,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	LastChannelID    string `json:"last_channel_id,omitempty"`
	CreatedAt        string `json:"created_at"`
	LastActiveAt     string `json:"last_active_at"`
	Locked           bool   `json:"locked"`
}

// UsageResponse is the JSON form of one invocation's usage.
type UsageResponse struct {
	SessionID        string  `json:"session_id"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	NumTurns         int     `json:"num_turns"`
	DurationMS       int64   `json:"duration_ms"`
	IsError          bool    `json:"is_error"`
	CreatedAt        string  `json:"created_at"`
}

// SessionDetailResponse is the JSON response for GET /api/sessions/{threadID}.
type SessionDetailResponse struct {
	SessionResponse
	Usage []UsageResponse `json:"usage"`
}

// ActionResponse is the JSON form of an audit log entry.
type ActionResponse struct {
	ID          string `json:"id"`
	RoutingID   string `json:"routing_id"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// ContextMessageRequest is the JSON body for POST /api/context/{sessionID}/messages.
type ContextMessageRequest struct {
	Text   string `json:"text"`
	Notice bool   `json:"notice,omitempty"`
}

// ContextFileRequest is the JSON body for POST /api/context/{sessionID}/files.
// Either Path or Data must be set.
type ContextFileRequest struct {
	Name        string `json:"name,omitempty"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"` // base64 in JSON
}

// BatchRequest is the JSON body for POST /api/batch.
type BatchRequest struct {
	ChannelID  string `json:"channel_id"`
	ThreadID   string `json:"thread_id,omitempty"`
	Prompt     string `json:"prompt"`
	Prefix     string `json:"prefix,omitempty"`
	Suffix     string `json:"suffix,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
}

// BatchResponse summarizes a finished batch run.
type BatchResponse struct {
	SessionID  string   `json:"session_id,omitempty"`
	IsError    bool     `json:"is_error"`
	Error      string   `json:"error,omitempty"`
	Sent       []string `json:"sent"`
	CostUSD    float64  `json:"cost_usd"`
	NumTurns   int      `json:"num_turns"`
	DurationMS int64    `json:"duration_ms"`
}

// handleHealth returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once every component has started.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active threads)", s.deps.Gate.Len())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.deps.Store.ListSessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	resp := make([]SessionResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, s.sessionResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadID")
	rec, err := s.deps.Store.GetSession(r.Context(), threadID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("getting session", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	usage, err := s.deps.Store.GetThreadUsage(r.Context(), threadID)
	if err != nil {
		s.logger.Warn("getting thread usage", "thread_id", threadID, "error", err)
	}
	resp := SessionDetailResponse{SessionResponse: s.sessionResponse(rec), Usage: make([]UsageResponse, 0, len(usage))}
	for _, u := range usage {
		resp.Usage = append(resp.Usage, UsageResponse{
			SessionID:        u.SessionID,
			InputTokens:      u.InputTokens,
			OutputTokens:     u.OutputTokens,
			CacheReadTokens:  u.CacheReadTokens,
			CacheWriteTokens: u.CacheWriteTokens,
			CostUSD:          u.CostUSD,
			NumTurns:         u.NumTurns,
			DurationMS:       u.DurationMS,
			IsError:          u.IsError,
			CreatedAt:        u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"locks": s.deps.Gate.Keys()})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	totals, err := s.deps.Store.GetUsageTotals(r.Context())
	if err != nil {
		s.logger.Error("getting usage totals", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"invocations":   totals.Invocations,
		"input_tokens":  totals.InputTokens,
		"output_tokens": totals.OutputTokens,
		"cost_usd":      totals.CostUSD,
	})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	routingID := r.URL.Query().Get("routing_id")
	if routingID == "" {
		writeError(w, http.StatusBadRequest, "routing_id is required")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actions, err := s.deps.Store.ListActions(r.Context(), routingID, limit)
	if err != nil {
		s.logger.Error("listing actions", "routing_id", routingID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list actions")
		return
	}
	resp := make([]ActionResponse, 0, len(actions))
	for _, a := range actions {
		resp = append(resp, ActionResponse{
			ID:          a.ID,
			RoutingID:   a.RoutingID,
			Description: a.Description,
			CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListContexts(w http.ResponseWriter, r *http.Request) {
	overlay := s.deps.Router.Overlay()
	resp := make([]session.Snapshot, 0)
	for _, id := range overlay.Sessions() {
		if snap, ok := overlay.Snapshot(id); ok {
			resp = append(resp, snap)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Router.Overlay().Snapshot(r.PathValue("sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "no active context for session")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleContextMessage posts text to the destination of a running invocation.
func (s *Server) handleContextMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	var req ContextMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	dest, ok := s.deps.Router.Overlay().Destination(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "no active destination for session")
		return
	}
	msgID, err := dest.Send(r.Context(), platform.Message{Text: req.Text, Notice: req.Notice})
	if err != nil {
		s.logger.Error("sending context message", "session_id", sessionID, "requester", requester(r), "error", err)
		writeError(w, http.StatusBadGateway, "failed to send message")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": msgID})
}

// handleContextFile queues a file to be attached to the invocation's final message.
func (s *Server) handleContextFile(w http.ResponseWriter, r *http.Request) {
	overlay := s.deps.Router.Overlay()
	sessionID := overlay.Resolve(r.PathValue("sessionID"))
	var req ContextFileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" && req.Data == nil {
		writeError(w, http.StatusBadRequest, "path or data is required")
		return
	}
	if !overlay.Has(sessionID) {
		writeError(w, http.StatusNotFound, "no active context for session")
		return
	}

	var path string
	if req.Path != "" {
		if !filepath.IsAbs(req.Path) {
			writeError(w, http.StatusBadRequest, "path must be absolute")
			return
		}
		resolved, err := filepath.EvalSymlinks(req.Path)
		if err != nil {
			writeError(w, http.StatusBadRequest, "path is not a readable file")
			return
		}
		info, err := os.Stat(resolved)
		if err != nil || info.IsDir() {
			writeError(w, http.StatusBadRequest, "path is not a readable file")
			return
		}
		workingDir, _ := overlay.WorkingDir(sessionID)
		if !withinDir(workingDir, resolved) {
			s.logger.Warn("rejected context file outside working directory",
				"session_id", sessionID,
				"path", req.Path,
				"requester", requester(r))
			writeError(w, http.StatusForbidden, "path must be inside the session working directory")
			return
		}
		path = resolved
	}

	name := req.Name
	if name == "" {
		name = filepath.Base(req.Path)
	}
	s.deps.Router.Files().Push(sessionID, platform.Attachment{
		Name:        name,
		ContentType: req.ContentType,
		Data:        req.Data,
		Path:        path,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued": s.deps.Router.Files().Len(sessionID),
	})
}

// withinDir reports whether path, already free of symlinks, lies under dir.
func withinDir(dir, path string) bool {
	if dir == "" {
		return false
	}
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ChannelID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "channel_id and prompt are required")
		return
	}

	s.logger.Info("batch run requested",
		"channel_id", req.ChannelID,
		"thread_id", req.ThreadID,
		"requester", requester(r),
	)
	result, err := s.deps.Batch.RunBatch(r.Context(), relay.BatchRequest{
		ChannelID:  req.ChannelID,
		ThreadID:   req.ThreadID,
		Prompt:     req.Prompt,
		Prefix:     req.Prefix,
		Suffix:     req.Suffix,
		WorkingDir: req.WorkingDir,
	})
	if err != nil {
		s.logger.Error("batch run failed", "channel_id", req.ChannelID, "thread_id", req.ThreadID, "error", err)
		status := http.StatusInternalServerError
		var streamErr *dispatch.StreamError
		switch {
		case errors.Is(err, platform.ErrNoDestination):
			status = http.StatusServiceUnavailable
		case errors.As(err, &streamErr):
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}

	resp := BatchResponse{
		SessionID:  result.SessionID,
		IsError:    result.IsError,
		Error:      result.ErrorText,
		Sent:       result.Sent,
		CostUSD:    result.CostUSD,
		NumTurns:   result.NumTurns,
		DurationMS: result.DurationMS,
	}
	if resp.Sent == nil {
		resp.Sent = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// requester names the authenticated caller, or "anonymous" when auth is off.
func requester(r *http.Request) string {
	if a := auth.FromContext(r.Context()); a != nil && a.Subject != "" {
		return a.Subject
	}
	return "anonymous"
}

func (s *Server) sessionResponse(rec *store.SessionRecord) SessionResponse {
	return SessionResponse{
		ThreadID:         rec.ThreadID,
		SessionID:        rec.SessionID,
		ChannelID:        rec.ChannelID,
		GuildID:          rec.GuildID,
		OriginMessageID:  rec.OriginMessageID,
		WorkingDirectory: rec.WorkingDirectory,
		LastChannelID:    rec.LastChannelID,
		CreatedAt:        rec.CreatedAt.UTC().Format(time.RFC3339),
		LastActiveAt:     rec.LastActiveAt.UTC().Format(time.RFC3339),
		Locked:           s.deps.Gate.Held(rec.ThreadID),
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(limit, maxListLimit), nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
