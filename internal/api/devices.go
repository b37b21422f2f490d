package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/biogate/internal/audit"
	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/enrollment"
)

// deviceView is the API form of a device. Brand config is inlined and
// ISAPI passwords are never echoed.
type deviceView struct {
	*device.Device
	Brand  device.Brand       `json:"brand"`
	Config device.BrandConfig `json:"config"`
}

func viewDevice(d *device.Device) deviceView {
	cfg := d.Config
	if isapi, ok := cfg.(device.ISAPIConfig); ok {
		isapi.Password = ""
		cfg = isapi
	}
	return deviceView{Device: d, Brand: d.Brand(), Config: cfg}
}

type createDeviceRequest struct {
	Serial      string          `json:"serial"`
	Name        string          `json:"name"`
	Brand       device.Brand    `json:"brand"`
	Config      json.RawMessage `json:"config"`
	Enabled     *bool           `json:"enabled"`
	MaxAttempts int             `json:"max_attempts"`
}

type updateDeviceRequest struct {
	Name        *string         `json:"name"`
	Config      json.RawMessage `json:"config"`
	Enabled     *bool           `json:"enabled"`
	MaxAttempts *int            `json:"max_attempts"`
}

// deviceResponse carries the commands queued when a device came online
// for enrollment.
type deviceResponse struct {
	Device     deviceView         `json:"device"`
	Enrollment *enrollment.Result `json:"enrollment,omitempty"`
}

// handleListDevices lists devices, optionally filtered by ?brand=.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	brand := device.Brand(r.URL.Query().Get("brand"))
	if brand != "" && !brand.Valid() {
		writeBadRequest(w, "unknown brand")
		return
	}

	devices := s.registry.ListDevices(r.Context())
	views := make([]deviceView, 0, len(devices))
	for i := range devices {
		if brand != "" && devices[i].Brand() != brand {
			continue
		}
		views = append(views, viewDevice(&devices[i]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.GetDevice(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewDevice(d))
}

// handleCreateDevice registers a terminal. An enabled push device is
// immediately sent every identity it should carry.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	cfg, err := device.DecodeConfig(req.Brand, req.Config)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	d := &device.Device{
		Serial:      req.Serial,
		Name:        req.Name,
		Config:      cfg,
		Enabled:     req.Enabled == nil || *req.Enabled,
		MaxAttempts: req.MaxAttempts,
	}
	if err := s.registry.CreateDevice(r.Context(), d); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := deviceResponse{Device: viewDevice(d)}
	if d.Enabled {
		res, err := s.engine.DeviceEnabled(r.Context(), d.Serial)
		if err != nil {
			s.logger.Error("enrolling identities on new device", "serial", d.Serial, "error", err)
		}
		resp.Enrollment = res
	}

	s.auditLog(r, audit.ActionCreate, "device", d.Serial, map[string]any{
		"brand":   d.Brand(),
		"enabled": d.Enabled,
	})
	writeJSON(w, http.StatusCreated, resp)
}

// handleUpdateDevice applies a partial update. Re-enabling a device
// queues enrollment for its identities.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req updateDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	d, err := s.registry.GetDevice(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	changes := map[string]any{}
	if req.Name != nil {
		d.Name = *req.Name
		changes["name"] = *req.Name
	}
	if len(req.Config) > 0 {
		cfg, err := device.DecodeConfig(d.Brand(), req.Config)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		d.Config = cfg
		changes["config"] = true
	}
	if req.Enabled != nil {
		d.Enabled = *req.Enabled
		changes["enabled"] = *req.Enabled
	}
	if req.MaxAttempts != nil {
		d.MaxAttempts = *req.MaxAttempts
		changes["max_attempts"] = *req.MaxAttempts
	}

	reenabled, err := s.registry.UpdateDevice(r.Context(), d)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := deviceResponse{Device: viewDevice(d)}
	if reenabled {
		res, err := s.engine.DeviceEnabled(r.Context(), d.Serial)
		if err != nil {
			s.logger.Error("enrolling identities on re-enabled device", "serial", d.Serial, "error", err)
		}
		resp.Enrollment = res
	}

	s.auditLog(r, audit.ActionUpdate, "device", d.Serial, changes)
	writeJSON(w, http.StatusOK, resp)
}
