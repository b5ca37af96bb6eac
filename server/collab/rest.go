package collabserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	pkgerrors "github.com/AltairaLabs/CollabKit/pkg/errors"
	"github.com/AltairaLabs/CollabKit/runtime/coordinator"
	"github.com/AltairaLabs/CollabKit/runtime/ledger"
	"github.com/AltairaLabs/CollabKit/runtime/logger"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

const codeBadRequest = "bad_request"

// errorBody is the JSON error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("write response failed", "error", err)
	}
}

// writeError maps err to a status and code, preferring the ones a
// ContextualError carries.
func writeError(w http.ResponseWriter, err error) {
	status, code := types.StatusOf(err), types.CodeOf(err)
	if ce, ok := pkgerrors.As(err); ok {
		if ce.StatusCode != 0 {
			status = ce.StatusCode
		}
		if ce.Code != "" {
			code = ce.Code
		}
	}
	writeErrorCode(w, status, code, err)
}

func writeErrorCode(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeBadRequest, fmt.Errorf("invalid body: %w", err))
		return false
	}
	return true
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req coordinator.OpenRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	sess, err := s.coord.OpenSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.coord.Sessions()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.coord.Session(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.CloseSession(r.Context(), r.PathValue("sessionId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var p types.Participant
	if !s.decodeBody(w, r, &p) {
		return
	}
	sess, err := s.coord.AddParticipant(r.Context(), r.PathValue("sessionId"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// parsePoll reads since, limit, clientId, agentId and as.
func parsePoll(r *http.Request) (coordinator.PollRequest, error) {
	q := r.URL.Query()
	req := coordinator.PollRequest{
		ClientID: q.Get("clientId"),
		AgentID:  q.Get("agentId"),
		Limit:    defaultPollLimit,
	}
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return req, fmt.Errorf("since must be a non-negative integer, got %q", v)
		}
		req.Since = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req, fmt.Errorf("limit must be a positive integer, got %q", v)
		}
		req.Limit = min(n, maxPollLimit)
	}
	switch role := ledger.AgentRole(q.Get("as")); role {
	case ledger.AsEither, ledger.AsSender, ledger.AsRecipient:
		req.Role = role
	default:
		return req, fmt.Errorf("as must be sender or recipient, got %q", role)
	}
	if req.Role != ledger.AsEither && req.AgentID == "" {
		return req, errors.New("as requires agentId")
	}
	return req, nil
}

func (s *Server) handleDirectMessages(w http.ResponseWriter, r *http.Request) {
	req, err := parsePoll(r)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	if req.ClientID == "" {
		writeErrorCode(w, http.StatusBadRequest, codeBadRequest, errors.New("clientId is required"))
		return
	}
	page, err := s.coord.DirectMessagesSince(r.Context(), r.PathValue("sessionId"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	req, err := parsePoll(r)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	page, err := s.coord.MessagesSince(r.Context(), r.PathValue("sessionId"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.coord.Tasks(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.coord.Task(r.PathValue("taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"sessions":    len(s.coord.Sessions()),
		"connections": s.coord.Registry().Total(),
	})
}
