// BioGate - biometric terminal gateway
//
// BioGate terminates the push protocols spoken by EBKN and ADMS attendance
// terminals, polls ISAPI terminals for events, stores normalized attendance
// and keeps enrolled users in sync across devices.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nerrad567/biogate/internal/api"
	"github.com/nerrad567/biogate/internal/attendance"
	"github.com/nerrad567/biogate/internal/audit"
	"github.com/nerrad567/biogate/internal/command"
	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/enrollment"
	"github.com/nerrad567/biogate/internal/identity"
	"github.com/nerrad567/biogate/internal/infrastructure/config"
	"github.com/nerrad567/biogate/internal/infrastructure/database"
	"github.com/nerrad567/biogate/internal/infrastructure/influxdb"
	"github.com/nerrad567/biogate/internal/infrastructure/logging"
	"github.com/nerrad567/biogate/internal/infrastructure/mqtt"
	"github.com/nerrad567/biogate/internal/metrics"
	"github.com/nerrad567/biogate/internal/pollsync"
	"github.com/nerrad567/biogate/internal/protocol"
	"github.com/nerrad567/biogate/internal/protocol/adms"
	"github.com/nerrad567/biogate/internal/protocol/ebkn"
	_ "github.com/nerrad567/biogate/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "issue-token" {
		if err := issueToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the gateway and blocks until ctx is cancelled.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // startup wiring
	if err := loadDotEnv(); err != nil {
		return err
	}

	log := logging.Default()
	log.Info("starting BioGate",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "gateway", cfg.Gateway.ID)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	m := metrics.New()
	m.SetBuildInfo(version, commit)

	registry := device.NewRegistry(device.NewSQLiteRepository(db))
	registry.SetLogger(log)
	if err := registry.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}
	log.Info("device registry initialised", "devices", registry.GetDeviceCount())

	identities := identity.NewSQLiteRepository(db)

	queue := command.NewQueue(db, command.Policy{
		MaxAttempts:   cfg.Commands.MaxAttempts,
		ForceCloseAge: cfg.Commands.ForceCloseAge(),
		AckTimeout:    cfg.Commands.AckTimeoutDuration(),
	}, registry)
	queue.SetLogger(log)

	engine := enrollment.NewEngine(db, queue, registry)
	engine.SetLogger(log)
	queue.OnTransition(engine.Observe)
	queue.OnTransition(m.ObserveTransition)

	pipeline, err := attendance.NewPipeline(attendance.NewSQLiteStore(db), identities, attendance.PipelineConfig{
		Mapping:               attendance.Mapping(cfg.Attendance.EmployeeMapping),
		CreateUnknownCheckins: cfg.Attendance.CreateUnknownCheckins,
	})
	if err != nil {
		return fmt.Errorf("creating attendance pipeline: %w", err)
	}
	pipeline.SetLogger(log)
	pipeline.AddPublisher(m)

	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)
	pipeline.AddPublisher(hub)
	queue.OnTransition(hub.ObserveTransition)

	checks := map[string]api.HealthCheck{"database": db.HealthCheck}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		if cfg.Attendance.PublishEvents {
			pipeline.AddPublisher(attendance.NewMQTTPublisher(mqttClient, mqtt.Topics{}.Attendance, mqttClient.QoS(), log))
		}
		queue.OnTransition(publishTransitions(mqttClient, log))
		checks["mqtt"] = mqttClient.HealthCheck
	} else {
		log.Info("MQTT disabled")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)

		pipeline.AddPublisher(attendance.NewInfluxRecorder(influxClient))
		queue.OnTransition(func(_ context.Context, t command.Transition) {
			influxClient.WriteCommandTransition(t.Command.DeviceSerial, string(t.Command.Type),
				string(t.To), t.Reason, t.Command.Attempts, t.At)
		})
		checks["influxdb"] = influxClient.HealthCheck
	} else {
		log.Info("InfluxDB disabled")
	}

	router := newDeviceRouter(cfg, registry, queue, pipeline, engine, identities, log)
	router.SetObserver(m.ObserveDispatch)

	adapter := pollsync.NewAdapter(registry, pipeline, pollsync.Config{
		Timeout:    cfg.Polling.TimeoutDuration(),
		PageSize:   cfg.Polling.PageSize,
		MaxRecords: cfg.Polling.MaxRecords,
		Lookback:   cfg.Polling.LookbackDuration(),
	}, nil)
	adapter.SetLogger(log)
	adapter.OnResult(func(r pollsync.DeviceResult, err error) {
		m.ObserveSync(r, err)
		hub.ObserveSync(r, err)
		if influxClient != nil {
			influxClient.WritePollSync(r.Serial, r.Fetched, r.Ingested, r.Duplicates, err != nil, r.End)
		}
	})

	if mqttClient != nil {
		if err := mqttClient.Subscribe(mqtt.Topics{}.SyncRequest(), mqttClient.QoS(), syncRequestHandler(ctx, adapter, log)); err != nil {
			return fmt.Errorf("subscribing to sync requests: %w", err)
		}
	}

	sweeper := command.NewSweeper(queue, cfg.Commands.SweepEvery())
	sweeper.SetLogger(log)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if interval := cfg.Polling.IntervalDuration(); interval > 0 {
		scheduler := pollsync.NewScheduler(adapter, interval)
		scheduler.SetLogger(log)
		scheduler.Start(ctx)
		defer scheduler.Stop()
		log.Info("scheduled sync enabled", "interval", interval)
	}

	srv, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Security:     cfg.Security,
		Logger:       log,
		Registry:     registry,
		Identities:   identities,
		Queue:        queue,
		Engine:       engine,
		Devices:      router,
		Sync:         adapter,
		Audit:        audit.NewSQLiteRepository(db),
		Metrics:      m,
		Hub:          hub,
		HealthChecks: checks,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns BIOGATE_CONFIG when set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("BIOGATE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadDotEnv preloads a .env file from the working directory. A missing
// file is not an error; variables already set win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// newDeviceRouter registers the push protocol codecs.
func newDeviceRouter(cfg *config.Config, registry *device.Registry, queue *command.Queue,
	pipeline *attendance.Pipeline, engine *enrollment.Engine, identities *identity.SQLiteRepository,
	log *logging.Logger,
) *protocol.Router {
	router := protocol.NewRouter()
	router.SetLogger(log)

	ebknCodec := ebkn.New(ebkn.Deps{
		Devices:   registry,
		Queue:     queue,
		Ingester:  pipeline,
		Enroller:  engine,
		Templates: identities,
		BlockTTL:  cfg.EBKN.BlockTTLDuration(),
	})
	ebknCodec.SetLogger(log)
	router.Register(ebknCodec)

	admsCodec := adms.New(adms.Deps{
		Devices:   registry,
		Queue:     queue,
		Ingester:  pipeline,
		Enroller:  engine,
		Templates: identities,
		Options: adms.Options{
			ErrorDelay:    cfg.ADMS.ErrorDelay,
			Delay:         cfg.ADMS.Delay,
			TransTimes:    cfg.ADMS.TransTimes,
			TransInterval: cfg.ADMS.TransInterval,
			TransFlag:     cfg.ADMS.TransFlag,
			TimeZone:      cfg.ADMS.TimeZone,
			Realtime:      cfg.ADMS.Realtime,
		},
	})
	admsCodec.SetLogger(log)
	router.Register(admsCodec)

	return router
}

// commandEvent is the MQTT form of a command transition.
type commandEvent struct {
	ID       int64     `json:"id"`
	Device   string    `json:"device"`
	UserID   string    `json:"user_id"`
	Type     string    `json:"type"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// transitionPublisher is the part of the MQTT client used for command events.
type transitionPublisher interface {
	PublishJSON(topic string, v any) error
	IsConnected() bool
}

// publishTransitions mirrors command transitions to biogate/command/<serial>.
// Publishing is skipped while the broker is unreachable.
func publishTransitions(client transitionPublisher, log *logging.Logger) command.Observer {
	return func(_ context.Context, t command.Transition) {
		if !client.IsConnected() {
			return
		}
		ev := commandEvent{
			ID:       t.Command.ID,
			Device:   t.Command.DeviceSerial,
			UserID:   t.Command.UserID,
			Type:     string(t.Command.Type),
			From:     string(t.From),
			To:       string(t.To),
			Reason:   t.Reason,
			Attempts: t.Command.Attempts,
			At:       t.At,
		}
		if err := client.PublishJSON(mqtt.Topics{}.Command(t.Command.DeviceSerial), ev); err != nil {
			log.Warn("publishing command transition failed", "command", t.Command.ID, "error", err)
		}
	}
}

// syncRequestHandler runs a poll sync for each request on
// biogate/sync/request. The payload is a sync selection; an empty payload
// syncs every device.
func syncRequestHandler(ctx context.Context, syncer api.Syncer, log *logging.Logger) mqtt.MessageHandler {
	return func(_ string, payload []byte) error {
		var sel pollsync.Selection
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &sel); err != nil {
				return fmt.Errorf("decoding sync request: %w", err)
			}
		}
		// Syncs can outlast the MQTT callback; run them off the client's goroutine.
		go func() {
			summary, err := syncer.Sync(ctx, sel)
			if err != nil {
				log.Warn("MQTT sync request failed", "device", sel.DeviceSerial, "error", err)
				return
			}
			log.Info("MQTT sync request complete",
				"device", sel.DeviceSerial, "devices", len(summary.Devices), "ingested", summary.Ingested)
		}()
		return nil
	}
}
