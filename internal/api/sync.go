package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/nerrad567/biogate/internal/audit"
	"github.com/nerrad567/biogate/internal/pollsync"
)

// handleSync runs an on-demand poll sync. An empty body syncs every
// enabled API-polled device.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "poll sync not configured")
		return
	}

	var sel pollsync.Selection
	if err := decodeJSON(r, &sel); err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(err, pollsync.ErrInvalidSelection) {
			writeBadRequest(w, err.Error())
			return
		}
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if !sel.End.IsZero() && !sel.Start.IsZero() && sel.End.Before(sel.Start) {
		writeBadRequest(w, "end_time is before start_time")
		return
	}

	summary, err := s.syncer.Sync(r.Context(), sel)
	if err != nil {
		status, code := errorStatus(err)
		if status == http.StatusInternalServerError {
			// Anything unmapped is the terminal failing to answer.
			status, code = http.StatusBadGateway, ErrCodeUpstream
		}
		s.logger.Warn("sync failed", "device", sel.DeviceSerial, "error", err)
		writeError(w, status, code, err.Error())
		return
	}

	target := sel.DeviceSerial
	if target == "" {
		target = "*"
	}
	s.auditLog(r, audit.ActionSync, "device", target, map[string]any{
		"fetched":  summary.Fetched,
		"ingested": summary.Ingested,
	})
	writeJSON(w, http.StatusOK, summary)
}
