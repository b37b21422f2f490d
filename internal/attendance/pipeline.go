package attendance

import (
	"context"
	"fmt"
	"time"
)

// Logger defines the logging interface used by the pipeline.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EmployeeResolver looks up the employee linked to a device user id.
// found is false when the identity does not exist.
type EmployeeResolver interface {
	EmployeeID(ctx context.Context, userID string) (employeeID string, found bool, err error)
}

// Publisher receives every newly stored event. Publishing is best effort;
// errors are logged by the publisher itself.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event)

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, e Event) { f(ctx, e) }

// PipelineConfig holds the employee mapping options.
type PipelineConfig struct {
	Mapping               Mapping
	CreateUnknownCheckins bool
}

// Pipeline turns Records into stored Events.
type Pipeline struct {
	sink       Sink
	employees  EmployeeResolver
	cfg        PipelineConfig
	publishers []Publisher
	logger     Logger
	now        func() time.Time
}

// NewPipeline creates a pipeline. An empty mapping defaults to
// MappingIdentity.
func NewPipeline(sink Sink, employees EmployeeResolver, cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Mapping == "" {
		cfg.Mapping = MappingIdentity
	}
	if !cfg.Mapping.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMapping, cfg.Mapping)
	}
	return &Pipeline{
		sink:      sink,
		employees: employees,
		cfg:       cfg,
		logger:    noopLogger{},
		now:       time.Now,
	}, nil
}

// SetLogger sets the logger for the pipeline.
func (p *Pipeline) SetLogger(logger Logger) {
	p.logger = logger
}

// AddPublisher registers a publisher for stored events.
// Not safe to call once ingestion has started.
func (p *Pipeline) AddPublisher(pub Publisher) {
	p.publishers = append(p.publishers, pub)
}

// Ingest stores records in order. Duplicates within the batch or against
// the sink are counted, not stored. Invalid records are skipped with a
// warning. A sink failure stops the batch and is returned along with the
// partial result.
func (p *Pipeline) Ingest(ctx context.Context, records []Record) (Result, error) {
	var res Result
	seen := make(map[string]struct{}, len(records))

	for _, rec := range records {
		if rec.DeviceSerial == "" || rec.UserID == "" || rec.Timestamp.IsZero() {
			p.logger.Warn("skipping invalid attendance record",
				"device", rec.DeviceSerial, "user_id", rec.UserID, "error", ErrInvalidRecord)
			continue
		}
		res.Received++
		if rec.Timestamp.After(res.Latest) {
			res.Latest = rec.Timestamp
		}

		key := rec.Key()
		if _, dup := seen[key]; dup {
			res.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		employeeID, known, err := p.resolveEmployee(ctx, rec.UserID)
		if err != nil {
			return res, err
		}
		if !known && !p.cfg.CreateUnknownCheckins {
			p.logger.Debug("dropping check-in for unknown user", "device", rec.DeviceSerial, "user_id", rec.UserID)
			res.Dropped++
			continue
		}

		now := p.now().UTC()
		e := Event{
			ID:             NewID(now),
			IdempotencyKey: key,
			DeviceSerial:   rec.DeviceSerial,
			UserID:         rec.UserID,
			EmployeeID:     employeeID,
			Timestamp:      rec.Timestamp.UTC(),
			VerifyMode:     rec.VerifyMode,
			Direction:      rec.Direction,
			RecordID:       rec.RecordID,
			Raw:            rec.Raw,
			CreatedAt:      now,
		}
		if e.Direction == "" {
			e.Direction = DirectionUnknown
		}

		stored, err := p.sink.Store(ctx, &e)
		if err != nil {
			return res, err
		}
		if !stored {
			res.Duplicates++
			continue
		}
		res.Stored++
		res.Events = append(res.Events, e)
	}

	for _, e := range res.Events {
		for _, pub := range p.publishers {
			pub.Publish(ctx, e)
		}
	}

	if res.Stored > 0 || res.Duplicates > 0 || res.Dropped > 0 {
		p.logger.Info("attendance ingested",
			"received", res.Received, "stored", res.Stored,
			"duplicates", res.Duplicates, "dropped", res.Dropped)
	}
	return res, nil
}

// resolveEmployee maps a device user id to an employee id. known is false
// when the user cannot be linked to an employee.
func (p *Pipeline) resolveEmployee(ctx context.Context, userID string) (employeeID string, known bool, err error) {
	if p.cfg.Mapping == MappingUserID {
		return userID, true, nil
	}
	if p.employees == nil {
		return "", false, nil
	}
	employeeID, found, err := p.employees.EmployeeID(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("resolving employee for %s: %w", userID, err)
	}
	return employeeID, found && employeeID != "", nil
}
