package command

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/infrastructure/database"
)

// Logger defines the logging interface used by the queue.
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

// Observer receives committed transitions. Observers run synchronously on
// the caller's goroutine, after the transaction has committed.
type Observer func(ctx context.Context, t Transition)

// DeviceLookup resolves devices for per-device attempt limits.
type DeviceLookup interface {
	GetDevice(ctx context.Context, serial string) (*device.Device, error)
}

// Queue is the command store and state machine.
//
// Claims and reports for one device are serialised by a per-device lock,
// and every claim is also a conditional UPDATE, so a second process sharing
// the database cannot double-dispatch.
type Queue struct {
	db      *database.DB
	policy  Policy
	devices DeviceLookup
	locks   keyedMutex

	observers   []Observer
	observersMu sync.RWMutex

	logger Logger
	now    func() time.Time
}

// NewQueue creates a queue over db. devices may be nil, in which case the
// sweep applies the policy limit to every device.
func NewQueue(db *database.DB, policy Policy, devices DeviceLookup) *Queue {
	return &Queue{
		db:      db,
		policy:  policy,
		devices: devices,
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for the queue.
func (q *Queue) SetLogger(logger Logger) {
	q.logger = logger
}

// Policy returns the queue's delivery limits.
func (q *Queue) Policy() Policy {
	return q.policy
}

// OnTransition registers an observer for committed transitions.
func (q *Queue) OnTransition(obs Observer) {
	q.observersMu.Lock()
	q.observers = append(q.observers, obs)
	q.observersMu.Unlock()
}

func (q *Queue) notify(ctx context.Context, transitions []Transition) {
	if len(transitions) == 0 {
		return
	}
	q.observersMu.RLock()
	observers := make([]Observer, len(q.observers))
	copy(observers, q.observers)
	q.observersMu.RUnlock()

	for _, t := range transitions {
		if t.Exhausted() {
			q.logger.Warn("command delivery exhausted",
				"command_id", t.Command.ID, "device", t.Command.DeviceSerial,
				"user_id", t.Command.UserID, "attempts", t.Command.Attempts)
		}
		for _, obs := range observers {
			obs(ctx, t)
		}
	}
}

// Enqueue adds a Pending command and notifies observers when it is new.
// An existing open command for the same triple is returned with
// OutcomeSuppressed.
func (q *Queue) Enqueue(ctx context.Context, spec Spec) (*Command, Outcome, error) {
	cmd, outcome, err := q.EnqueueTx(ctx, q.db, spec)
	if err != nil {
		return nil, outcome, err
	}
	if outcome == OutcomeCreated {
		q.NotifyCreated(ctx, *cmd)
	}
	return cmd, outcome, nil
}

// EnqueueTx adds a command using tx, which is usually a transaction owned
// by the caller. Observers are not notified; call NotifyCreated after the
// transaction commits.
func (q *Queue) EnqueueTx(ctx context.Context, tx database.Querier, spec Spec) (*Command, Outcome, error) {
	if err := spec.validate(); err != nil {
		return nil, OutcomeCreated, err
	}
	cmd, outcome, err := insertCommand(ctx, tx, spec, q.now().UTC())
	if err != nil {
		return nil, outcome, err
	}
	if outcome == OutcomeSuppressed {
		q.logger.Debug("duplicate command suppressed",
			"device", spec.DeviceSerial, "user_id", spec.UserID, "type", spec.Type, "existing_id", cmd.ID)
	}
	return cmd, outcome, nil
}

// NotifyCreated announces commands created with EnqueueTx.
func (q *Queue) NotifyCreated(ctx context.Context, cmds ...Command) {
	transitions := make([]Transition, 0, len(cmds))
	for _, c := range cmds {
		transitions = append(transitions, Transition{
			Command: c, To: StatusPending, Reason: ReasonCreated, At: c.CreatedAt,
		})
	}
	q.notify(ctx, transitions)
}

// Err converts OutcomeSuppressed into ErrDuplicateSuppressed.
func (o Outcome) Err() error {
	if o == OutcomeSuppressed {
		return ErrDuplicateSuppressed
	}
	return nil
}

// ClaimNext claims the oldest eligible Pending command for d and tags it
// with transID, or with its own id when transID is empty. It returns nil
// when nothing is eligible or another command for d is Processing.
func (q *Queue) ClaimNext(ctx context.Context, d *device.Device, transID string) (*Command, error) {
	cmds, err := q.claim(ctx, d, transID, 1)
	if err != nil || len(cmds) == 0 {
		return nil, err
	}
	return &cmds[0], nil
}

// ClaimAll claims every eligible Pending command for d. Each is tagged
// with its own id.
func (q *Queue) ClaimAll(ctx context.Context, d *device.Device) ([]Command, error) {
	return q.claim(ctx, d, "", 0)
}

// claim dispatches up to limit commands; limit 1 is the exclusive single
// claim.
func (q *Queue) claim(ctx context.Context, d *device.Device, transID string, limit int) ([]Command, error) {
	maxAttempts := q.policy.MaxAttemptsFor(d)
	exclusive := limit == 1
	now := q.now().UTC()

	unlock := q.locks.lock(d.Serial)
	var (
		claimed     []Command
		transitions []Transition
	)
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		exhausted, err := q.exhaustPending(ctx, tx, d.Serial, maxAttempts, now)
		if err != nil {
			return err
		}
		transitions = append(transitions, exhausted...)

		candidates, err := claimable(ctx, tx, d.Serial, maxAttempts, limit)
		if err != nil {
			return err
		}
		for i := range candidates {
			c := candidates[i]
			tid := transID
			if tid == "" || !exclusive {
				tid = strconv.FormatInt(c.ID, 10)
			}
			ok, err := markProcessing(ctx, tx, &c, tid, maxAttempts, exclusive, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			c.Status = StatusProcessing
			c.Attempts++
			c.TransID = tid
			dispatched := now
			c.DispatchedAt = &dispatched
			claimed = append(claimed, c)
			transitions = append(transitions, Transition{
				Command: c, From: StatusPending, To: StatusProcessing, Reason: ReasonDispatched, At: now,
			})
		}
		return nil
	})
	unlock()
	if err != nil {
		return nil, fmt.Errorf("claiming commands for %s: %w", d.Serial, err)
	}

	q.notify(ctx, transitions)
	return claimed, nil
}

func (q *Queue) exhaustPending(ctx context.Context, tx database.Querier, serial string, maxAttempts int, now time.Time) ([]Transition, error) {
	stuck, err := pendingAtLimit(ctx, tx, serial, maxAttempts)
	if err != nil {
		return nil, err
	}
	var out []Transition
	for _, c := range stuck {
		ok, err := moveCommand(ctx, tx, c.ID, StatusPending, StatusFailed, responseLine(now, "exhausted"), now)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, failed(c, StatusPending, now))
		}
	}
	return out, nil
}

func failed(c Command, from Status, now time.Time) Transition {
	c.Status = StatusFailed
	closed := now
	c.ClosedAt = &closed
	return Transition{Command: c, From: from, To: StatusFailed, Reason: ErrDeliveryExhausted.Error(), At: now}
}

// StampTemplate records the hash of the template sent with Processing
// command id. The stamp is cleared if the command returns to Pending.
func (q *Queue) StampTemplate(ctx context.Context, id int64, hash string) error {
	ok, err := stampTemplate(ctx, q.db, id, hash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: command %d is not processing", ErrCommandNotFound, id)
	}
	return nil
}

// ReportByTransID finalises the Processing command of d tagged transID.
// Returns ErrCommandNotFound when no such command exists.
func (q *Queue) ReportByTransID(ctx context.Context, d *device.Device, transID string, ok bool, code string, body []byte) (*Command, error) {
	return q.report(ctx, d, ok, code, body, func(tx database.Querier) ([]Command, error) {
		return queryCommands(ctx, tx, selectCommand+`
			WHERE device_serial = ? AND trans_id = ? AND status = 'processing' ORDER BY id LIMIT 1`,
			d.Serial, transID)
	})
}

// ReportByID finalises the Processing command id of d.
func (q *Queue) ReportByID(ctx context.Context, d *device.Device, id int64, ok bool, code string, body []byte) (*Command, error) {
	return q.report(ctx, d, ok, code, body, func(tx database.Querier) ([]Command, error) {
		return queryCommands(ctx, tx, selectCommand+`
			WHERE id = ? AND device_serial = ? AND status = 'processing'`, id, d.Serial)
	})
}

// report moves a Processing command to Success on ok. A failure retries
// (back to Pending) until the attempt limit, then fails the command.
func (q *Queue) report(ctx context.Context, d *device.Device, ok bool, code string, body []byte,
	find func(tx database.Querier) ([]Command, error)) (*Command, error) {
	maxAttempts := q.policy.MaxAttemptsFor(d)
	now := q.now().UTC()

	unlock := q.locks.lock(d.Serial)
	var t Transition
	err := q.db.InTx(ctx, func(tx *sql.Tx) error {
		found, err := find(tx)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return ErrCommandNotFound
		}
		c := found[0]

		t = Transition{Command: c, From: StatusProcessing, At: now}
		switch {
		case ok:
			t.To, t.Reason, t.Payload = StatusSuccess, ReasonAcknowledged, body
		case c.Attempts >= maxAttempts:
			t.To, t.Reason = StatusFailed, ErrDeliveryExhausted.Error()
		default:
			t.To, t.Reason = StatusPending, ReasonRetry
		}

		if code == "" {
			code = "no code"
		}
		line := responseLine(now, code)
		moved, err := moveCommand(ctx, tx, c.ID, StatusProcessing, t.To, line, now)
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: command %d left processing", ErrInvalidTransition, c.ID)
		}

		t.Command.Status = t.To
		t.Command.Response += line
		if t.To.Terminal() {
			closed := now
			t.Command.ClosedAt = &closed
		} else {
			t.Command.TransID = ""
			t.Command.TemplateHash = ""
			t.Command.DispatchedAt = nil
		}
		return nil
	})
	unlock()
	if err != nil {
		return nil, err
	}

	q.notify(ctx, []Transition{t})
	cmd := t.Command
	return &cmd, nil
}

// Close administratively closes a Pending or Processing command.
func (q *Queue) Close(ctx context.Context, id int64, reason string) (*Command, error) {
	c, err := getCommand(ctx, q.db, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("%w: command %d is %s", ErrInvalidTransition, id, c.Status)
	}
	if reason == "" {
		reason = "closed"
	}

	now := q.now().UTC()
	unlock := q.locks.lock(c.DeviceSerial)
	moved, err := moveCommand(ctx, q.db, c.ID, c.Status, StatusClosed, responseLine(now, reason), now)
	unlock()
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: command %d changed state", ErrInvalidTransition, id)
	}

	t := Transition{Command: *c, From: c.Status, To: StatusClosed, Reason: reason, At: now}
	t.Command.Status = StatusClosed
	t.Command.ClosedAt = &now
	q.notify(ctx, []Transition{t})

	q.logger.Info("command closed", "command_id", id, "device", c.DeviceSerial, "reason", reason)
	cmd := t.Command
	return &cmd, nil
}

// Get returns a command by id.
func (q *Queue) Get(ctx context.Context, id int64) (*Command, error) {
	return getCommand(ctx, q.db, id)
}

// List returns commands matching f, oldest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]Command, error) {
	return listCommands(ctx, q.db, f)
}

// SweepOnce applies Sweep to the current non-terminal commands and returns
// the number of transitions committed.
func (q *Queue) SweepOnce(ctx context.Context) (int, error) {
	open, err := nonTerminalCommands(ctx, q.db)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}

	limits := make(map[string]int)
	candidates := make([]Candidate, 0, len(open))
	for _, c := range open {
		maxAttempts, ok := limits[c.DeviceSerial]
		if !ok {
			maxAttempts = q.maxAttemptsFor(ctx, c.DeviceSerial)
			limits[c.DeviceSerial] = maxAttempts
		}
		candidates = append(candidates, Candidate{Command: c, MaxAttempts: maxAttempts})
	}

	now := q.now().UTC()
	return q.applySweep(ctx, open, Sweep(now, q.policy, candidates), now)
}

// applySweep commits transitions whose command is still as it was in
// snapshot. Commands reported or re-claimed in between are skipped.
func (q *Queue) applySweep(ctx context.Context, snapshot []Command, transitions []Transition, now time.Time) (int, error) {
	byID := make(map[int64]Command, len(snapshot))
	for _, c := range snapshot {
		byID[c.ID] = c
	}

	var applied []Transition
	for _, t := range transitions {
		snap, ok := byID[t.Command.ID]
		if !ok {
			continue
		}
		unlock := q.locks.lock(snap.DeviceSerial)
		moved, err := sweepCommand(ctx, q.db, snap, t.To, responseLine(now, t.Reason), now)
		unlock()
		if err != nil {
			q.notify(ctx, applied)
			return len(applied), err
		}
		if moved {
			applied = append(applied, t)
		}
	}

	q.notify(ctx, applied)
	return len(applied), nil
}

func (q *Queue) maxAttemptsFor(ctx context.Context, serial string) int {
	if q.devices == nil {
		return q.policy.MaxAttemptsFor(nil)
	}
	d, err := q.devices.GetDevice(ctx, serial)
	if err != nil {
		return q.policy.MaxAttemptsFor(nil)
	}
	return q.policy.MaxAttemptsFor(d)
}

// keyedMutex serialises work per device serial.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
