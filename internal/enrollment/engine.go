package enrollment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nerrad567/biogate/internal/command"
	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/identity"
	"github.com/nerrad567/biogate/internal/infrastructure/database"
)

// Logger defines the logging interface used by the engine.
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

// Devices is the device registry as seen by the engine. Lookups happen
// before a transaction opens; the pool has a single connection.
type Devices interface {
	GetDevice(ctx context.Context, serial string) (*device.Device, error)
	ListEnabled(ctx context.Context, brands ...device.Brand) []device.Device
}

// Result lists the commands an operation queued.
type Result struct {
	Created    []command.Command `json:"created"`
	Suppressed int               `json:"suppressed"`
}

// Engine applies identity changes and the commands they imply.
type Engine struct {
	db         *database.DB
	identities *identity.SQLiteRepository
	queue      *command.Queue
	devices    Devices
	logger     Logger
	now        func() time.Time
}

// NewEngine creates an engine. Register Observe on the queue to keep
// enrollment records current.
func NewEngine(db *database.DB, queue *command.Queue, devices Devices) *Engine {
	return &Engine{
		db:         db,
		identities: identity.NewSQLiteRepository(db),
		queue:      queue,
		devices:    devices,
		logger:     noopLogger{},
		now:        time.Now,
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// plan accumulates commands inside a transaction.
type plan struct {
	ctx    context.Context
	tx     database.Querier
	queue  *command.Queue
	result Result
}

func (p *plan) add(serial, userID string, typ command.Type) error {
	cmd, outcome, err := p.queue.EnqueueTx(p.ctx, p.tx, command.Spec{DeviceSerial: serial, UserID: userID, Type: typ})
	if err != nil {
		return fmt.Errorf("queueing %s for %s on %s: %w", typ, userID, serial, err)
	}
	if outcome == command.OutcomeSuppressed {
		p.result.Suppressed++
		return nil
	}
	p.result.Created = append(p.result.Created, *cmd)
	return nil
}

// apply runs fn in a transaction and announces the created commands once
// it commits.
func (e *Engine) apply(ctx context.Context, fn func(repo *identity.SQLiteRepository, p *plan) error) (*Result, error) {
	var p *plan
	err := e.db.InTx(ctx, func(tx *sql.Tx) error {
		p = &plan{ctx: ctx, tx: tx, queue: e.queue}
		return fn(e.identities.WithTx(tx), p)
	})
	if err != nil {
		return nil, err
	}
	if len(p.result.Created) > 0 {
		e.queue.NotifyCreated(ctx, p.result.Created...)
	}
	return &p.result, nil
}

// UploadTemplate stores a template and queues EnrollUser on every enabled
// device of that brand the identity reaches, except source and devices
// already carrying the same template. source may be empty.
func (e *Engine) UploadTemplate(ctx context.Context, userID string, brand device.Brand, data []byte, source string) (*Result, error) {
	if err := identity.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if !brand.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBrand, brand)
	}
	now := e.now().UTC()
	t, err := identity.NewTemplate(brand, data, source, now)
	if err != nil {
		return nil, err
	}
	if source != "" {
		if _, err := e.devices.GetDevice(ctx, source); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, source)
		}
	}

	targets := e.targets(ctx, brand)

	res, err := e.apply(ctx, func(repo *identity.SQLiteRepository, p *plan) error {
		if _, err := repo.Ensure(ctx, userID, now); err != nil {
			return err
		}
		if err := repo.PutTemplate(ctx, userID, t); err != nil {
			return err
		}
		if source != "" {
			if err := repo.RecordEnrollment(ctx, userID, source, t.Hash, now); err != nil {
				return err
			}
		}
		id, err := repo.Get(ctx, userID)
		if err != nil {
			return err
		}
		for _, d := range targets {
			if d.Serial == source || !id.Reaches(d.Serial) || id.UpToDate(d.Serial, t.Hash) {
				continue
			}
			if err := p.add(d.Serial, userID, command.TypeEnrollUser); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("uploading template for %s: %w", userID, err)
	}

	e.logger.Info("template stored",
		"user_id", userID, "brand", brand, "source", source, "hash", t.Hash[:12], "queued", len(res.Created))
	return res, nil
}

// CaptureTemplate stores a template read from d. d itself is recorded as
// carrying it.
func (e *Engine) CaptureTemplate(ctx context.Context, d *device.Device, userID string, data []byte) error {
	_, err := e.UploadTemplate(ctx, userID, d.Brand(), data, d.Serial)
	return err
}

// RegisterDeviceUser records a user reported by d: the identity is created
// if needed and d joins its explicit assignments. No commands are queued.
func (e *Engine) RegisterDeviceUser(ctx context.Context, d *device.Device, userID string) error {
	if err := identity.ValidateUserID(userID); err != nil {
		return err
	}
	now := e.now().UTC()
	_, err := e.apply(ctx, func(repo *identity.SQLiteRepository, _ *plan) error {
		created, err := repo.Ensure(ctx, userID, now)
		if err != nil {
			return err
		}
		assigned, err := repo.Assign(ctx, userID, d.Serial)
		if err != nil {
			return err
		}
		if created || assigned {
			e.logger.Info("device user registered", "user_id", userID, "device", d.Serial, "new_identity", created)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registering %s from %s: %w", userID, d.Serial, err)
	}
	return nil
}

// SetAssignments replaces the identity's explicit device set. Added devices
// get EnrollUser when a template exists for their brand; each removed
// device gets one DeleteUser unless the identity is allow-all and so still
// reaches it.
func (e *Engine) SetAssignments(ctx context.Context, userID string, serials []string) (*Result, error) {
	if err := identity.ValidateUserID(userID); err != nil {
		return nil, err
	}
	want := make(map[string]*device.Device, len(serials))
	for _, s := range serials {
		d, err := e.devices.GetDevice(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", identity.ErrUnknownDevice, s)
		}
		want[s] = d
	}
	now := e.now().UTC()

	res, err := e.apply(ctx, func(repo *identity.SQLiteRepository, p *plan) error {
		if _, err := repo.Ensure(ctx, userID, now); err != nil {
			return err
		}
		id, err := repo.Get(ctx, userID)
		if err != nil {
			return err
		}
		current := make(map[string]bool, len(id.Devices))
		for _, s := range id.Devices {
			current[s] = true
		}

		for _, s := range sortedKeys(want) {
			if current[s] {
				continue
			}
			if _, err := repo.Assign(ctx, userID, s); err != nil {
				return err
			}
			if err := enrollOn(p, id, want[s]); err != nil {
				return err
			}
		}
		for _, s := range sortedKeys(current) {
			if _, ok := want[s]; ok {
				continue
			}
			if err := repo.Unassign(ctx, userID, s); err != nil {
				return err
			}
			if id.AllowAllDevices {
				continue
			}
			if err := p.add(s, userID, command.TypeDeleteUser); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("setting assignments for %s: %w", userID, err)
	}
	e.logger.Info("assignments updated", "user_id", userID, "devices", len(want), "queued", len(res.Created))
	return res, nil
}

// UnassignDevice removes one device from the identity's explicit set.
func (e *Engine) UnassignDevice(ctx context.Context, userID, serial string) (*Result, error) {
	id, err := e.identities.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	keep := make([]string, 0, len(id.Devices))
	for _, s := range id.Devices {
		if s != serial {
			keep = append(keep, s)
		}
	}
	if len(keep) == len(id.Devices) {
		return &Result{}, nil
	}
	return e.SetAssignments(ctx, userID, keep)
}

// SetAllowAllDevices sets the allow-all flag. Enabling it queues EnrollUser
// on every enabled device of a brand the identity has a template for,
// unless the device is already covered. Disabling it deletes nothing.
func (e *Engine) SetAllowAllDevices(ctx context.Context, userID string, allow bool) (*Result, error) {
	if err := identity.ValidateUserID(userID); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	targets := e.targets(ctx)

	res, err := e.apply(ctx, func(repo *identity.SQLiteRepository, p *plan) error {
		if _, err := repo.Ensure(ctx, userID, now); err != nil {
			return err
		}
		id, err := repo.Get(ctx, userID)
		if err != nil {
			return err
		}
		wasAllowAll := id.AllowAllDevices
		if err := repo.SetAllowAllDevices(ctx, userID, allow, now); err != nil {
			return err
		}
		if !allow || wasAllowAll {
			return nil
		}

		explicit := make(map[string]bool, len(id.Devices))
		for _, s := range id.Devices {
			explicit[s] = true
		}
		for _, d := range targets {
			if explicit[d.Serial] {
				continue
			}
			if err := enrollOn(p, id, &d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("setting allow-all for %s: %w", userID, err)
	}
	e.logger.Info("allow-all updated", "user_id", userID, "allow", allow, "queued", len(res.Created))
	return res, nil
}

// DeviceEnabled queues EnrollUser on serial for every allow-all identity
// holding a template for its brand. Call it when a device is created or
// re-enabled.
func (e *Engine) DeviceEnabled(ctx context.Context, serial string) (*Result, error) {
	d, err := e.devices.GetDevice(ctx, serial)
	if err != nil {
		return nil, err
	}
	if !d.Enabled || !d.PushCapable() {
		return &Result{}, nil
	}

	res, err := e.apply(ctx, func(repo *identity.SQLiteRepository, p *plan) error {
		users, err := repo.AllowAllWithTemplate(ctx, d.Brand())
		if err != nil {
			return err
		}
		for _, userID := range users {
			id, err := repo.Get(ctx, userID)
			if err != nil {
				return err
			}
			if err := enrollOn(p, id, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enrolling allow-all identities on %s: %w", serial, err)
	}
	if len(res.Created) > 0 {
		e.logger.Info("device enrollment queued", "device", serial, "queued", len(res.Created))
	}
	return res, nil
}

// enrollOn queues EnrollUser for id on d unless d is disabled, is poll-only,
// has no matching template or already carries it.
func enrollOn(p *plan, id *identity.Identity, d *device.Device) error {
	if !d.Enabled || !d.PushCapable() {
		return nil
	}
	t, ok := id.Templates[d.Brand()]
	if !ok || id.UpToDate(d.Serial, t.Hash) {
		return nil
	}
	return p.add(d.Serial, id.UserID, command.TypeEnrollUser)
}

// targets returns enabled devices that accept commands.
func (e *Engine) targets(ctx context.Context, brands ...device.Brand) []device.Device {
	all := e.devices.ListEnabled(ctx, brands...)
	out := all[:0]
	for _, d := range all {
		if d.PushCapable() {
			out = append(out, d)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Observe updates enrollment records from acknowledged commands. Register
// it with command.Queue.OnTransition.
func (e *Engine) Observe(ctx context.Context, t command.Transition) {
	if t.To != command.StatusSuccess {
		return
	}
	c := t.Command
	now := e.now().UTC()

	var err error
	switch c.Type {
	case command.TypeEnrollUser:
		err = e.recordEnrolled(ctx, c, now)
	case command.TypeDeleteUser:
		err = e.identities.ClearEnrollment(ctx, c.UserID, c.DeviceSerial)
	case command.TypeGetEnrollData:
		err = e.captureFromResult(ctx, c, t.Payload)
	}
	if err != nil {
		e.logger.Error("applying command result",
			"command_id", c.ID, "type", c.Type, "device", c.DeviceSerial, "user_id", c.UserID, "error", err)
	}
}

// recordEnrolled records the template the command actually carried. When
// the stored template was replaced while the command was in flight, a
// fresh EnrollUser is queued so the device catches up.
func (e *Engine) recordEnrolled(ctx context.Context, c command.Command, now time.Time) error {
	if c.TemplateHash == "" {
		// ADMS EnrollUser without a fingerprint still creates the user.
		return nil
	}
	if err := e.identities.RecordEnrollment(ctx, c.UserID, c.DeviceSerial, c.TemplateHash, now); err != nil {
		return err
	}

	d, err := e.devices.GetDevice(ctx, c.DeviceSerial)
	if err != nil {
		return err
	}
	current, err := e.identities.Template(ctx, c.UserID, d.Brand())
	if errors.Is(err, identity.ErrTemplateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Hash == c.TemplateHash || !d.Enabled || !d.PushCapable() {
		return nil
	}

	res, err := e.apply(ctx, func(repo *identity.SQLiteRepository, p *plan) error {
		id, err := repo.Get(ctx, c.UserID)
		if err != nil {
			return err
		}
		if !id.Reaches(d.Serial) {
			return nil
		}
		return p.add(d.Serial, c.UserID, command.TypeEnrollUser)
	})
	if err != nil {
		return err
	}
	e.logger.Info("template changed during delivery, re-queued",
		"user_id", c.UserID, "device", d.Serial, "sent", c.TemplateHash[:12], "current", current.Hash[:12],
		"queued", len(res.Created))
	return nil
}

// captureFromResult stores the user info blob an EBKN terminal returns for
// GET_USER_INFO. ADMS terminals upload fingerprints through OPERLOG.
func (e *Engine) captureFromResult(ctx context.Context, c command.Command, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	d, err := e.devices.GetDevice(ctx, c.DeviceSerial)
	if err != nil {
		return err
	}
	if d.Brand() != device.BrandEBKN {
		return nil
	}
	return e.CaptureTemplate(ctx, d, c.UserID, payload)
}
