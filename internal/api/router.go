package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/biogate/internal/auth"
	"github.com/nerrad567/biogate/internal/protocol"
)

const healthCheckTimeout = 3 * time.Second

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(s.recoverPanics)
	if s.metrics != nil {
		r.Use(s.metrics.Instrument)
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.accessLog)
		r.Use(s.cors)
		r.Use(middleware.RequestSize(maxRequestBodySize))

		r.Get("/health", s.handleHealth)

		// Ticket-authenticated; see handleWebSocket.
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/ws-ticket", s.handleWSTicket)

			r.Group(func(r chi.Router) {
				r.Use(s.require(auth.PermRead))
				r.Get("/devices", s.handleListDevices)
				r.Get("/devices/{serial}", s.handleGetDevice)
				r.Get("/identities/{userID}", s.handleGetIdentity)
				r.Get("/commands", s.handleListCommands)
				r.Get("/commands/{id}", s.handleGetCommand)
				r.Get("/audit", s.handleListAuditLogs)
			})

			r.With(s.require(auth.PermDeviceManage)).Post("/devices", s.handleCreateDevice)
			r.With(s.require(auth.PermDeviceManage)).Patch("/devices/{serial}", s.handleUpdateDevice)

			r.Route("/identities/{userID}", func(r chi.Router) {
				r.Use(s.require(auth.PermIdentityManage))
				r.Put("/employee", s.handleSetEmployee)
				r.Put("/devices", s.handleSetAssignments)
				r.Delete("/devices/{serial}", s.handleUnassignDevice)
				r.Put("/allow-all", s.handleSetAllowAll)
				r.Post("/templates", s.handleUploadTemplate)
			})

			r.With(s.require(auth.PermCommandManage)).Post("/commands/{id}/close", s.handleCloseCommand)
			r.With(s.require(auth.PermSyncRun)).Post("/sync", s.handleSync)
		})
	})

	r.With(middleware.RealIP, s.rateLimitMiddleware).Handle("/*", http.HandlerFunc(s.handleDevice))

	return r
}

// handleDevice hands a terminal request to the protocol router. Terminals
// always get a protocol-appropriate reply.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.FromHTTP(r, maxDeviceBodySize)
	if err != nil {
		s.logger.Warn("device request rejected", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
		protocol.WriteHTTP(w, protocol.Text(http.StatusBadRequest, "ERROR"))
		return
	}
	protocol.WriteHTTP(w, s.devices.Dispatch(r.Context(), req))
}

type healthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Devices    int               `json:"devices"`
	WSClients  int               `json:"ws_clients"`
	Components map[string]string `json:"components,omitempty"`
}

// handleHealth runs the registered checks. Any failure reports 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Version:   s.version,
		Devices:   s.registry.GetDeviceCount(),
		WSClients: s.hub.ClientCount(),
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	if len(names) > 0 {
		resp.Components = make(map[string]string, len(names))
	}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.checks[name](ctx)
		cancel()
		if err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Components[name] = "ok"
	}

	writeJSON(w, status, resp)
}
