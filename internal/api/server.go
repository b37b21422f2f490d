package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/biogate/internal/audit"
	"github.com/nerrad567/biogate/internal/command"
	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/enrollment"
	"github.com/nerrad567/biogate/internal/identity"
	"github.com/nerrad567/biogate/internal/infrastructure/config"
	"github.com/nerrad567/biogate/internal/infrastructure/logging"
	"github.com/nerrad567/biogate/internal/metrics"
	"github.com/nerrad567/biogate/internal/pollsync"
	"github.com/nerrad567/biogate/internal/protocol"
)

const (
	gracefulShutdownTimeout = 10 * time.Second

	// maxDeviceBodySize bounds one device request; enrollment blocks are
	// the largest bodies terminals send.
	maxDeviceBodySize = 4 << 20
)

// Syncer runs poll syncs on demand.
type Syncer interface {
	Sync(ctx context.Context, sel pollsync.Selection) (*pollsync.Summary, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps holds the server's collaborators. Sync, Audit, Metrics and Hub are
// optional.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Registry   *device.Registry
	Identities *identity.SQLiteRepository
	Queue      *command.Queue
	Engine     *enrollment.Engine
	Devices    *protocol.Router
	Sync       Syncer
	Audit      audit.Repository
	Metrics    *metrics.Metrics
	Hub        *Hub

	// HealthChecks are run by GET /api/v1/health, keyed by component name.
	HealthChecks map[string]HealthCheck

	Version string
}

// Server is the gateway HTTP server.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	registry *device.Registry
	idents   *identity.SQLiteRepository
	queue    *command.Queue
	engine   *enrollment.Engine
	devices  *protocol.Router
	syncer   Syncer
	metrics  *metrics.Metrics
	checks   map[string]HealthCheck
	version  string

	auditRepo audit.Repository
	auditCh   chan *audit.Entry

	hub         *Hub
	externalHub bool
	tickets     *ticketStore
	limiter     *sourceLimiter

	server *http.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("api: logger is required")
	case deps.Registry == nil:
		return nil, errors.New("api: device registry is required")
	case deps.Identities == nil:
		return nil, errors.New("api: identity repository is required")
	case deps.Queue == nil:
		return nil, errors.New("api: command queue is required")
	case deps.Engine == nil:
		return nil, errors.New("api: enrollment engine is required")
	case deps.Devices == nil:
		return nil, errors.New("api: protocol router is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		registry:  deps.Registry,
		idents:    deps.Identities,
		queue:     deps.Queue,
		engine:    deps.Engine,
		devices:   deps.Devices,
		syncer:    deps.Sync,
		metrics:   deps.Metrics,
		checks:    deps.HealthChecks,
		version:   deps.Version,
		auditRepo: deps.Audit,
		tickets:   newTicketStore(),
		limiter:   newSourceLimiter(deps.Security.RateLimit),
	}
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.Entry, auditChanSize)
	}

	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	return s, nil
}

// Hub returns the WebSocket hub, for wiring event sources.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start launches background loops and the HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}
	go s.tickets.cleanLoop(srvCtx)
	go s.limiter.pruneLoop(srvCtx)

	s.done = make(chan struct{})
	if s.auditCh != nil {
		go func() {
			defer close(s.done)
			s.drainAuditLog(srvCtx)
		}()
	} else {
		close(s.done)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", s.server.Addr, "cert", s.cfg.TLS.CertFile)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close stops the listener, waiting up to 10 seconds for in-flight
// requests, then flushes queued audit entries.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)

	if s.cancel != nil {
		s.cancel()
	}
	<-s.done

	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
