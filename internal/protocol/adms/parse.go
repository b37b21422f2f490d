package adms

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/biogate/internal/attendance"
	"github.com/nerrad567/biogate/internal/identity"
	"github.com/nerrad567/biogate/internal/protocol"
)

// attLogTimeLayout is the ATTLOG timestamp format, in terminal local time.
const attLogTimeLayout = "2006-01-02 15:04:05"

// lines returns the non-empty, trimmed lines of body.
func lines(body []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// stateDirection maps the ATTLOG status column. 0 check-in, 1 check-out,
// 2 break-out, 3 break-in, 4 overtime-in, 5 overtime-out.
func stateDirection(state string) attendance.Direction {
	switch state {
	case "0", "3", "4":
		return attendance.DirectionIn
	case "1", "2", "5":
		return attendance.DirectionOut
	default:
		return attendance.DirectionUnknown
	}
}

// parseAttLogLine decodes PIN\ttime\tstatus\tverify\t...
func parseAttLogLine(serial, line string, loc *time.Location) (attendance.Record, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 {
		return attendance.Record{}, fmt.Errorf("%w: ATTLOG line has %d fields", protocol.ErrMalformedMessage, len(fields))
	}
	pin := identity.NormalizeUserID(strings.TrimSpace(fields[0]))
	if pin == "" {
		return attendance.Record{}, fmt.Errorf("%w: ATTLOG line without PIN", protocol.ErrMalformedMessage)
	}
	ts, err := time.ParseInLocation(attLogTimeLayout, strings.TrimSpace(fields[1]), loc)
	if err != nil {
		return attendance.Record{}, fmt.Errorf("%w: ATTLOG time %q: %w", protocol.ErrMalformedMessage, fields[1], err)
	}

	rec := attendance.Record{
		DeviceSerial: serial,
		UserID:       pin,
		Timestamp:    ts.UTC(),
		Direction:    attendance.DirectionUnknown,
		Raw:          line,
	}
	if len(fields) > 2 {
		rec.Direction = stateDirection(strings.TrimSpace(fields[2]))
	}
	if len(fields) > 3 {
		rec.VerifyMode = strings.TrimSpace(fields[3])
	}
	return rec, nil
}

// operation is one decoded OPERLOG line.
type operation struct {
	kind   string // "FP" or "USER"
	pin    string
	fields map[string]string
	// template holds the FP fields after PIN, as the terminal sent them.
	template string
}

// parseOperLogLine decodes "FP PIN=..\tFID=..\t..." and "USER PIN=..\t...".
// Other OPERLOG line kinds return ok=false.
func parseOperLogLine(line string) (op operation, ok bool, err error) {
	kind, rest, found := strings.Cut(line, " ")
	if !found || (kind != "FP" && kind != "USER") {
		return operation{}, false, nil
	}

	op = operation{kind: kind, fields: make(map[string]string)}
	parts := strings.Split(rest, "\t")
	for i, part := range parts {
		k, v, _ := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if i == 0 && k != "PIN" {
			return operation{}, false, fmt.Errorf("%w: %s line does not start with PIN", protocol.ErrMalformedMessage, kind)
		}
		op.fields[k] = v
	}
	op.pin = identity.NormalizeUserID(strings.TrimSpace(op.fields["PIN"]))
	if op.pin == "" {
		return operation{}, false, fmt.Errorf("%w: %s line without PIN", protocol.ErrMalformedMessage, kind)
	}
	if kind == "FP" {
		if op.fields["TMP"] == "" {
			return operation{}, false, fmt.Errorf("%w: FP line without TMP", protocol.ErrMalformedMessage)
		}
		op.template = strings.Join(parts[1:], "\t")
	}
	return op, true, nil
}

// reply is one devicecmd result line.
type reply struct {
	id     int64
	part   int
	code   string
	line   string
	hasRet bool
}

// parseReply decodes "ID=<id>&Return=<code>&CMD=<cmd>". The ID may carry
// a part suffix, <id>-<n>.
func parseReply(line string) (reply, error) {
	// ParseQuery keeps every well-formed pair even when it reports an
	// error; a stray ';' in CMD must not lose the result.
	values, _ := url.ParseQuery(line) //nolint:errcheck // partial parse is used
	raw := values.Get("ID")
	base, suffix, multi := strings.Cut(raw, "-")
	id, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return reply{}, fmt.Errorf("%w: devicecmd ID %q", protocol.ErrMalformedMessage, raw)
	}
	r := reply{id: id, code: values.Get("Return"), line: line}
	if multi {
		if r.part, err = strconv.Atoi(suffix); err != nil || r.part < 1 {
			return reply{}, fmt.Errorf("%w: devicecmd ID %q", protocol.ErrMalformedMessage, raw)
		}
	}
	r.hasRet = values.Has("Return")
	return r, nil
}

func (r reply) ok() bool {
	return r.hasRet && r.code == "0"
}
