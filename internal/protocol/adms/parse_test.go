package adms

import (
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/biogate/internal/attendance"
	"github.com/nerrad567/biogate/internal/command"
	"github.com/nerrad567/biogate/internal/protocol"
)

func TestParseAttLogLine(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	rec, err := parseAttLogLine("ZK001", "0005\t2024-01-01 09:00:00\t1\t15\t0", loc)
	if err != nil {
		t.Fatalf("parseAttLogLine() error = %v", err)
	}
	if rec.UserID != "5" {
		t.Errorf("UserID = %q, want leading zeros stripped", rec.UserID)
	}
	if want := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC); !rec.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", rec.Timestamp, want)
	}
	if rec.Direction != attendance.DirectionOut || rec.VerifyMode != "15" {
		t.Errorf("record = %+v", rec)
	}

	for _, line := range []string{"5", "\t2024-01-01 09:00:00", "5\t01/01/2024"} {
		if _, err := parseAttLogLine("ZK001", line, time.UTC); !errors.Is(err, protocol.ErrMalformedMessage) {
			t.Errorf("parseAttLogLine(%q) error = %v", line, err)
		}
	}
}

func TestStateDirection(t *testing.T) {
	tests := map[string]attendance.Direction{
		"0": attendance.DirectionIn,
		"3": attendance.DirectionIn,
		"1": attendance.DirectionOut,
		"5": attendance.DirectionOut,
		"":  attendance.DirectionUnknown,
		"9": attendance.DirectionUnknown,
	}
	for state, want := range tests {
		if got := stateDirection(state); got != want {
			t.Errorf("stateDirection(%q) = %q, want %q", state, got, want)
		}
	}
}

func TestParseOperLogLine(t *testing.T) {
	op, ok, err := parseOperLogLine("FP PIN=12\tFID=3\tSize=8\tValid=1\tTMP=AAAA")
	if err != nil || !ok {
		t.Fatalf("FP line: ok=%v err=%v", ok, err)
	}
	if op.pin != "12" || op.template != "FID=3\tSize=8\tValid=1\tTMP=AAAA" {
		t.Errorf("op = %+v", op)
	}

	if _, ok, err := parseOperLogLine("OPLOG 4\t0"); ok || err != nil {
		t.Errorf("OPLOG line: ok=%v err=%v", ok, err)
	}
	if _, _, err := parseOperLogLine("USER Name=x"); !errors.Is(err, protocol.ErrMalformedMessage) {
		t.Errorf("USER without PIN error = %v", err)
	}
}

func TestParseReply(t *testing.T) {
	r, err := parseReply("ID=42&Return=0&CMD=DATA UPDATE USERINFO")
	if err != nil {
		t.Fatalf("parseReply() error = %v", err)
	}
	if r.id != 42 || !r.ok() {
		t.Errorf("reply = %+v", r)
	}

	r, err = parseReply("ID=43&CMD=DATA;x")
	if err != nil {
		t.Fatalf("parseReply() error = %v", err)
	}
	if r.ok() {
		t.Error("reply without Return must not be ok")
	}

	if _, err := parseReply("Return=0"); !errors.Is(err, protocol.ErrMalformedMessage) {
		t.Errorf("missing ID error = %v", err)
	}

	r, err = parseReply("ID=44-2&Return=0&CMD=DATA")
	if err != nil {
		t.Fatalf("parseReply() part error = %v", err)
	}
	if r.id != 44 || r.part != 2 {
		t.Errorf("part reply = %+v, want id 44 part 2", r)
	}
	if _, err := parseReply("ID=44-x&Return=0"); !errors.Is(err, protocol.ErrMalformedMessage) {
		t.Errorf("bad part error = %v", err)
	}
}

func TestCommandLines(t *testing.T) {
	lines, err := commandLines(&command.Command{ID: 3, UserID: "5", Type: command.TypeGetEnrollData}, nil)
	if err != nil || len(lines) != 1 || lines[0] != "C:3:DATA QUERY FINGERTMP PIN=5" {
		t.Errorf("commandLines() = %q, %v", lines, err)
	}

	lines, err = commandLines(&command.Command{ID: 4, UserID: "5", Type: command.TypeEnrollUser}, nil)
	if err != nil || len(lines) != 1 || lines[0] != "C:4:DATA UPDATE USERINFO PIN=5" {
		t.Errorf("enroll without template = %q, %v", lines, err)
	}

	lines, err = commandLines(&command.Command{ID: 4, UserID: "5", Type: command.TypeEnrollUser}, []byte("TMP=AA"))
	if err != nil || len(lines) != 2 ||
		lines[0] != "C:4-1:DATA UPDATE USERINFO PIN=5" || lines[1] != "C:4-2:DATA UPDATE FINGERTMP PIN=5\tTMP=AA" {
		t.Errorf("enroll with template = %q, %v", lines, err)
	}

	if _, err := commandLines(&command.Command{ID: 5, Type: command.Type("reboot")}, nil); !errors.Is(err, command.ErrInvalidCommand) {
		t.Errorf("unknown type error = %v", err)
	}
}
