package adms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/nerrad567/biogate/internal/attendance"
	"github.com/nerrad567/biogate/internal/command"
	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/identity"
	"github.com/nerrad567/biogate/internal/protocol"
)

// Devices resolves and tracks ADMS terminals.
type Devices interface {
	Resolve(ctx context.Context, serial string) (*device.Device, error)
	MarkSeen(ctx context.Context, serial string)
	AdvanceCursor(ctx context.Context, serial string, t time.Time) (time.Time, error)
}

// Queue is the part of the command queue the codec drives.
type Queue interface {
	ClaimAll(ctx context.Context, d *device.Device) ([]command.Command, error)
	ReportByID(ctx context.Context, d *device.Device, id int64, ok bool, code string, body []byte) (*command.Command, error)
	StampTemplate(ctx context.Context, id int64, hash string) error
}

// Ingester stores attendance records.
type Ingester interface {
	Ingest(ctx context.Context, records []attendance.Record) (attendance.Result, error)
}

// Enroller receives users and fingerprints uploaded by a terminal.
type Enroller interface {
	RegisterDeviceUser(ctx context.Context, d *device.Device, userID string) error
	CaptureTemplate(ctx context.Context, d *device.Device, userID string, data []byte) error
}

// Templates supplies stored templates for EnrollUser commands.
type Templates interface {
	Template(ctx context.Context, userID string, brand device.Brand) (*identity.Template, error)
}

// Logger defines the logging interface used by the codec.
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

// Deps are the codec's collaborators.
type Deps struct {
	Devices   Devices
	Queue     Queue
	Ingester  Ingester
	Enroller  Enroller
	Templates Templates
	Options   Options
}

// Codec is the ADMS protocol codec.
type Codec struct {
	deps    Deps
	replies replyTracker
	logger  Logger
}

// New creates an ADMS codec.
func New(deps Deps) *Codec {
	return &Codec{deps: deps, logger: noopLogger{}}
}

// SetLogger sets the logger for the codec.
func (c *Codec) SetLogger(logger Logger) {
	c.logger = logger
}

// Name implements protocol.Codec.
func (c *Codec) Name() string { return "adms" }

// Match implements protocol.Codec.
func (c *Codec) Match(r *protocol.Request) bool {
	return strings.Contains(r.Path, "/iclock/") && r.Query.Get("SN") != ""
}

// Handle implements protocol.Codec.
func (c *Codec) Handle(ctx context.Context, r *protocol.Request) (*protocol.Response, error) {
	serial := strings.TrimSpace(r.Query.Get("SN"))
	d, err := c.deps.Devices.Resolve(ctx, serial)
	if err != nil {
		return protocol.NeutralOK(), err
	}
	c.deps.Devices.MarkSeen(ctx, d.Serial)

	endpoint := path.Base(strings.TrimRight(r.Path, "/"))
	switch {
	case endpoint == "cdata" && r.Method == http.MethodGet:
		return protocol.Text(http.StatusOK, c.deps.Options.handshake(d)), nil

	case endpoint == "cdata" && r.Method == http.MethodPost:
		switch strings.ToUpper(r.Query.Get("table")) {
		case "ATTLOG":
			return c.attLog(ctx, d, r.Body)
		case "OPERLOG":
			return c.operLog(ctx, d, r.Body)
		default:
			return protocol.NeutralOK(), nil
		}

	case endpoint == "getrequest":
		return c.getRequest(ctx, d)

	case endpoint == "devicecmd":
		return c.deviceCmd(ctx, d, r.Body)

	default:
		return protocol.NeutralOK(), nil
	}
}

func (c *Codec) attLog(ctx context.Context, d *device.Device, body []byte) (*protocol.Response, error) {
	loc := c.deps.Options.location(d)

	var records []attendance.Record
	for _, line := range lines(body) {
		rec, err := parseAttLogLine(d.Serial, line, loc)
		if err != nil {
			c.logger.Warn("skipping ATTLOG line", "device", d.Serial, "line", line, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return protocol.Text(http.StatusOK, "OK: 0"), nil
	}

	res, err := c.deps.Ingester.Ingest(ctx, records)
	if err != nil {
		// Not OK: the terminal keeps the batch and resends it.
		return protocol.Text(http.StatusInternalServerError, "ERROR"), err
	}
	if !res.Latest.IsZero() {
		if _, err := c.deps.Devices.AdvanceCursor(ctx, d.Serial, res.Latest); err != nil {
			c.logger.Warn("advancing device cursor", "device", d.Serial, "error", err)
		}
	}
	return protocol.Text(http.StatusOK, fmt.Sprintf("OK: %d", res.Received)), nil
}

func (c *Codec) operLog(ctx context.Context, d *device.Device, body []byte) (*protocol.Response, error) {
	handled := 0
	for _, line := range lines(body) {
		op, ok, err := parseOperLogLine(line)
		if err != nil {
			c.logger.Warn("skipping OPERLOG line", "device", d.Serial, "error", err)
			continue
		}
		if !ok || c.deps.Enroller == nil {
			continue
		}

		switch op.kind {
		case "USER":
			err = c.deps.Enroller.RegisterDeviceUser(ctx, d, op.pin)
		case "FP":
			err = c.deps.Enroller.CaptureTemplate(ctx, d, op.pin, []byte(op.template))
		}
		if err != nil {
			return protocol.Text(http.StatusInternalServerError, "ERROR"),
				fmt.Errorf("applying %s for user %s: %w", op.kind, op.pin, err)
		}
		handled++
	}
	return protocol.Text(http.StatusOK, fmt.Sprintf("OK: %d", handled)), nil
}

func (c *Codec) getRequest(ctx context.Context, d *device.Device) (*protocol.Response, error) {
	cmds, err := c.deps.Queue.ClaimAll(ctx, d)
	if err != nil {
		return protocol.NeutralOK(), err
	}
	if len(cmds) == 0 {
		return protocol.NeutralOK(), nil
	}

	var out []string
	for i := range cmds {
		cmd := &cmds[i]
		t, err := c.template(ctx, cmd)
		if err != nil {
			c.logger.Warn("loading template", "device", d.Serial, "command_id", cmd.ID, "error", err)
		}
		var template []byte
		if t != nil {
			template = t.Data
		}
		cmdLines, err := commandLines(cmd, template)
		if err != nil {
			c.reportUnsendable(ctx, d, cmd, err)
			continue
		}
		if t != nil {
			if err := c.deps.Queue.StampTemplate(ctx, cmd.ID, t.Hash); err != nil {
				c.reportUnsendable(ctx, d, cmd, err)
				continue
			}
		}
		if len(cmdLines) > 1 {
			c.replies.expect(cmd.ID, len(cmdLines))
		} else {
			c.replies.forget(cmd.ID)
		}
		out = append(out, cmdLines...)
		c.logger.Info("dispatching command",
			"device", d.Serial, "command_id", cmd.ID, "type", cmd.Type, "attempt", cmd.Attempts)
	}
	if len(out) == 0 {
		return protocol.NeutralOK(), nil
	}
	return protocol.Text(http.StatusOK, strings.Join(out, "\n")+"\n"), nil
}

func (c *Codec) template(ctx context.Context, cmd *command.Command) (*identity.Template, error) {
	if cmd.Type != command.TypeEnrollUser || c.deps.Templates == nil {
		return nil, nil
	}
	t, err := c.deps.Templates.Template(ctx, cmd.UserID, device.BrandADMS)
	if errors.Is(err, identity.ErrTemplateNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Codec) reportUnsendable(ctx context.Context, d *device.Device, cmd *command.Command, cause error) {
	c.logger.Error("command cannot be encoded", "device", d.Serial, "command_id", cmd.ID, "error", cause)
	if _, err := c.deps.Queue.ReportByID(ctx, d, cmd.ID, false, "encode failed", nil); err != nil {
		c.logger.Error("reporting unsendable command", "command_id", cmd.ID, "error", err)
	}
}

// deviceCmd finalises commands. A command rendered as several lines is
// finalised once every line has reported, across requests if need be, and
// succeeds only if every line returned 0.
func (c *Codec) deviceCmd(ctx context.Context, d *device.Device, body []byte) (*protocol.Response, error) {
	type result struct {
		ok    bool
		codes []string
		lines []string
	}
	results := make(map[int64]*result)
	var order []int64

	for _, line := range lines(body) {
		rep, err := parseReply(line)
		if err != nil {
			c.logger.Warn("skipping devicecmd line", "device", d.Serial, "error", err)
			continue
		}

		batch := []reply{rep}
		if rep.part > 0 {
			var known bool
			batch, known = c.replies.collect(rep)
			if !known {
				// The ack timeout retries the command.
				c.logger.Warn("devicecmd part for untracked command",
					"device", d.Serial, "command_id", rep.id, "part", rep.part)
				continue
			}
		}

		for _, r := range batch {
			res, ok := results[r.id]
			if !ok {
				res = &result{ok: true}
				results[r.id] = res
				order = append(order, r.id)
			}
			res.ok = res.ok && r.ok()
			res.codes = append(res.codes, "Return="+r.code)
			res.lines = append(res.lines, r.line)
		}
	}

	for _, id := range order {
		res := results[id]
		cmd, err := c.deps.Queue.ReportByID(ctx, d, id, res.ok,
			strings.Join(res.codes, ","), []byte(strings.Join(res.lines, "\n")))
		if err != nil {
			if errors.Is(err, command.ErrCommandNotFound) {
				c.logger.Warn("command result matches no dispatched command", "device", d.Serial, "command_id", id)
				continue
			}
			c.logger.Error("recording command result", "device", d.Serial, "command_id", id, "error", err)
			continue
		}
		c.logger.Info("command result", "device", d.Serial, "command_id", id, "status", cmd.Status)
	}
	return protocol.NeutralOK(), nil
}
