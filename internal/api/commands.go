package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/biogate/internal/audit"
	"github.com/nerrad567/biogate/internal/command"
	"github.com/nerrad567/biogate/internal/identity"
)

type closeCommandRequest struct {
	Reason string `json:"reason"`
}

// handleListCommands lists queued commands, newest first.
//
// Query parameters: status, device, user_id, limit.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := command.Filter{
		DeviceSerial: q.Get("device"),
		Status:       command.Status(q.Get("status")),
	}
	if uid := q.Get("user_id"); uid != "" {
		filter.UserID = identity.NormalizeUserID(uid)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeBadRequest(w, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil || filter.Limit < 0 {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}

	cmds, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if cmds == nil {
		cmds = []command.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": cmds,
		"count":    len(cmds),
	})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := commandID(w, r)
	if !ok {
		return
	}
	c, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleCloseCommand stops a pending or processing command from being
// delivered again.
func (s *Server) handleCloseCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := commandID(w, r)
	if !ok {
		return
	}

	var req closeCommandRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	c, err := s.queue.Close(r.Context(), id, req.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.auditLog(r, audit.ActionClose, "command", strconv.FormatInt(id, 10), map[string]any{
		"device": c.DeviceSerial,
		"reason": req.Reason,
	})
	writeJSON(w, http.StatusOK, c)
}

func commandID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, "command id must be a positive integer")
		return 0, false
	}
	return id, true
}
