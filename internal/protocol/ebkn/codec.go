package ebkn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/biogate/internal/attendance"
	"github.com/nerrad567/biogate/internal/command"
	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/identity"
	"github.com/nerrad567/biogate/internal/protocol"
)

// Devices resolves and tracks EBKN terminals.
type Devices interface {
	ResolveEBKN(ctx context.Context, deviceID int) (*device.Device, error)
	MarkSeen(ctx context.Context, serial string)
	AdvanceCursor(ctx context.Context, serial string, t time.Time) (time.Time, error)
}

// Queue is the part of the command queue the codec drives.
type Queue interface {
	ClaimNext(ctx context.Context, d *device.Device, transID string) (*command.Command, error)
	ReportByTransID(ctx context.Context, d *device.Device, transID string, ok bool, code string, body []byte) (*command.Command, error)
	StampTemplate(ctx context.Context, id int64, hash string) error
}

// Ingester stores attendance records.
type Ingester interface {
	Ingest(ctx context.Context, records []attendance.Record) (attendance.Result, error)
}

// Enroller reacts to users enrolled at a terminal.
type Enroller interface {
	RegisterDeviceUser(ctx context.Context, d *device.Device, userID string) error
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
	BlockTTL  time.Duration
}

// Codec is the EBKN protocol codec.
type Codec struct {
	deps      Deps
	assembler *Assembler
	logger    Logger
}

// New creates an EBKN codec.
func New(deps Deps) *Codec {
	return &Codec{deps: deps, assembler: NewAssembler(deps.BlockTTL), logger: noopLogger{}}
}

// SetLogger sets the logger for the codec.
func (c *Codec) SetLogger(logger Logger) {
	c.logger = logger
}

// Name implements protocol.Codec.
func (c *Codec) Name() string { return "ebkn" }

// Match implements protocol.Codec. EBKN requests carry a request_code
// header or target a path ending in /ebkn.
func (c *Codec) Match(r *protocol.Request) bool {
	if r.HeaderValue(HeaderRequestCode) != "" {
		return true
	}
	return strings.HasSuffix(strings.TrimRight(r.Path, "/"), "/ebkn")
}

// Handle implements protocol.Codec.
func (c *Codec) Handle(ctx context.Context, r *protocol.Request) (*protocol.Response, error) {
	msg, err := parseMessage(r)
	if err != nil {
		return failure(err), err
	}

	d, err := c.deps.Devices.ResolveEBKN(ctx, msg.devID)
	if err != nil {
		// Unknown terminals get a plain ack so they stop retrying.
		return ack(msg.transID), err
	}
	c.deps.Devices.MarkSeen(ctx, d.Serial)

	key := strconv.Itoa(msg.devID) + "/" + msg.requestCode
	payload, complete, err := c.assembler.Add(key, msg.blkNo, r.Body)
	if err != nil {
		return failure(err), err
	}
	if !complete {
		return ack(msg.transID), nil
	}

	switch msg.requestCode {
	case RequestReceiveCmd:
		return c.handshake(ctx, d, msg)
	case RequestRealtimeGlog:
		return c.attendance(ctx, d, msg, payload)
	case RequestSendCmdResult:
		return c.result(ctx, d, msg, payload)
	case RequestRealtimeEnrol:
		return c.enroll(ctx, d, msg, payload)
	default:
		err := fmt.Errorf("%w: unsupported request_code %q", protocol.ErrMalformedMessage, msg.requestCode)
		return failure(err), err
	}
}

// handshake hands out at most one command, tagged with the request's
// trans_id so the terminal's result can be matched to it.
func (c *Codec) handshake(ctx context.Context, d *device.Device, msg message) (*protocol.Response, error) {
	cmd, err := c.deps.Queue.ClaimNext(ctx, d, msg.transID)
	if err != nil {
		return ack(msg.transID), err
	}
	if cmd == nil {
		return ack(msg.transID), nil
	}

	var t *identity.Template
	if cmd.Type == command.TypeEnrollUser && c.deps.Templates != nil {
		t, err = c.deps.Templates.Template(ctx, cmd.UserID, device.BrandEBKN)
		if err != nil && !errors.Is(err, identity.ErrTemplateNotFound) {
			return ack(msg.transID), c.abandon(ctx, d, cmd, err)
		}
	}

	var template []byte
	if t != nil {
		template = t.Data
	}
	code, body, err := EncodeCommand(cmd, template)
	if err != nil {
		return ack(msg.transID), c.abandon(ctx, d, cmd, err)
	}
	if t != nil {
		if err := c.deps.Queue.StampTemplate(ctx, cmd.ID, t.Hash); err != nil {
			return ack(msg.transID), c.abandon(ctx, d, cmd, err)
		}
	}

	c.logger.Info("dispatching command",
		"device", d.Serial, "command_id", cmd.ID, "cmd_code", code, "trans_id", cmd.TransID, "attempt", cmd.Attempts)

	resp := ack(cmd.TransID)
	resp.Header[HeaderCmdCode] = []string{code}
	resp.Body = body
	return resp, nil
}

// abandon reports a command that could not be built as a failed attempt.
func (c *Codec) abandon(ctx context.Context, d *device.Device, cmd *command.Command, cause error) error {
	if _, err := c.deps.Queue.ReportByTransID(ctx, d, cmd.TransID, false, "build failed: "+cause.Error(), nil); err != nil {
		return fmt.Errorf("building command %d: %w (report: %v)", cmd.ID, cause, err)
	}
	return fmt.Errorf("building command %d: %w", cmd.ID, cause)
}

func (c *Codec) attendance(ctx context.Context, d *device.Device, msg message, payload []byte) (*protocol.Response, error) {
	records, err := parseAttendance(d.Serial, payload)
	if err != nil {
		return failure(err), err
	}

	res, err := c.deps.Ingester.Ingest(ctx, records)
	if err != nil {
		// Ask the terminal to resend; stored records dedupe on retry.
		return failure(err), err
	}
	if !res.Latest.IsZero() {
		if _, err := c.deps.Devices.AdvanceCursor(ctx, d.Serial, res.Latest); err != nil {
			c.logger.Warn("advancing device cursor", "device", d.Serial, "error", err)
		}
	}
	return ack(msg.transID), nil
}

func (c *Codec) result(ctx context.Context, d *device.Device, msg message, payload []byte) (*protocol.Response, error) {
	if msg.transID == "" {
		c.logger.Warn("command result without trans_id", "device", d.Serial)
		return ack(""), nil
	}

	ok := succeeded(msg.returnCode)
	cmd, err := c.deps.Queue.ReportByTransID(ctx, d, msg.transID, ok, msg.returnCode, payload)
	if err != nil {
		if errors.Is(err, command.ErrCommandNotFound) {
			c.logger.Warn("command result matches no dispatched command",
				"device", d.Serial, "trans_id", msg.transID, "return_code", msg.returnCode)
			return ack(msg.transID), nil
		}
		return ack(msg.transID), err
	}

	c.logger.Info("command result",
		"device", d.Serial, "command_id", cmd.ID, "return_code", msg.returnCode, "status", cmd.Status)
	return ack(msg.transID), nil
}

func (c *Codec) enroll(ctx context.Context, d *device.Device, msg message, payload []byte) (*protocol.Response, error) {
	b, err := splitBody(payload)
	if err != nil {
		return failure(err), err
	}
	userID := normalizeUserID(b.str("user_id"))
	if userID == "" {
		err := fmt.Errorf("%w: realtime_enroll_data without user_id", protocol.ErrMalformedMessage)
		return failure(err), err
	}
	if c.deps.Enroller == nil {
		return ack(msg.transID), nil
	}
	if err := c.deps.Enroller.RegisterDeviceUser(ctx, d, userID); err != nil {
		return failure(err), err
	}
	return ack(msg.transID), nil
}

// ack is the neutral EBKN acknowledgement.
func ack(transID string) *protocol.Response {
	if transID == "" {
		transID = "0"
	}
	return &protocol.Response{
		Status: http.StatusOK,
		Header: http.Header{
			"Content-Type":     {"application/octet-stream"},
			HeaderResponseCode: {"OK"},
			HeaderTransID:      {transID},
		},
	}
}

// failure tells the terminal the request was not processed.
func failure(cause error) *protocol.Response {
	msg := "internal error"
	if errors.Is(cause, protocol.ErrMalformedMessage) {
		msg = cause.Error()
	}
	body, _ := json.Marshal(map[string]string{"error": msg}) //nolint:errcheck // map of strings always marshals
	return &protocol.Response{
		Status: http.StatusBadRequest,
		Header: http.Header{
			"Content-Type":     {"application/json"},
			HeaderResponseCode: {"ERROR"},
		},
		Body: body,
	}
}
