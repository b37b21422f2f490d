package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/biogate/internal/audit"
	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/identity"
)

type assignmentsRequest struct {
	Devices []string `json:"devices"`
}

type allowAllRequest struct {
	AllowAllDevices bool `json:"allow_all_devices"`
}

type employeeRequest struct {
	EmployeeID string `json:"employee_id"`
}

// templateRequest carries a template blob; Data is base64 in JSON.
type templateRequest struct {
	Brand        device.Brand `json:"brand"`
	Data         []byte       `json:"data"`
	SourceDevice string       `json:"source_device"`
}

// userID returns the normalised {userID} path parameter.
func userID(r *http.Request) string {
	return identity.NormalizeUserID(chi.URLParam(r, "userID"))
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := s.idents.Get(r.Context(), userID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// handleSetEmployee links the identity to an employee, creating the
// identity if needed.
func (s *Server) handleSetEmployee(w http.ResponseWriter, r *http.Request) {
	var req employeeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	uid := userID(r)
	now := time.Now().UTC()

	if _, err := s.idents.Ensure(r.Context(), uid, now); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.idents.SetEmployeeID(r.Context(), uid, req.EmployeeID, now); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.auditLog(r, audit.ActionUpdate, "identity", uid, map[string]any{"employee_id": req.EmployeeID})
	s.handleGetIdentity(w, r)
}

func (s *Server) handleSetAssignments(w http.ResponseWriter, r *http.Request) {
	var req assignmentsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	uid := userID(r)

	res, err := s.engine.SetAssignments(r.Context(), uid, req.Devices)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.auditLog(r, audit.ActionUpdate, "identity", uid, map[string]any{
		"devices": req.Devices,
		"queued":  len(res.Created),
	})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUnassignDevice(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	serial := chi.URLParam(r, "serial")

	res, err := s.engine.UnassignDevice(r.Context(), uid, serial)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.auditLog(r, audit.ActionUpdate, "identity", uid, map[string]any{
		"unassigned": serial,
		"queued":     len(res.Created),
	})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSetAllowAll(w http.ResponseWriter, r *http.Request) {
	var req allowAllRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	uid := userID(r)

	res, err := s.engine.SetAllowAllDevices(r.Context(), uid, req.AllowAllDevices)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.auditLog(r, audit.ActionUpdate, "identity", uid, map[string]any{
		"allow_all_devices": req.AllowAllDevices,
		"queued":            len(res.Created),
	})
	writeJSON(w, http.StatusOK, res)
}

// handleUploadTemplate stores a template and fans it out to the devices
// the identity reaches.
func (s *Server) handleUploadTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	uid := userID(r)

	res, err := s.engine.UploadTemplate(r.Context(), uid, req.Brand, req.Data, req.SourceDevice)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.auditLog(r, audit.ActionUpdate, "identity", uid, map[string]any{
		"template_brand": req.Brand,
		"template_hash":  identity.HashTemplate(req.Data),
		"queued":         len(res.Created),
	})
	writeJSON(w, http.StatusOK, res)
}
