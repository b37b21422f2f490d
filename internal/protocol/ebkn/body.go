package ebkn

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/biogate/internal/attendance"
	"github.com/nerrad567/biogate/internal/protocol"
)

// logRecordSize is the width of one log_data record: user_id u32 LE,
// unix time u32 LE, verify mode u8, io mode u8, two reserved bytes.
const logRecordSize = 12

// ioTimeLayout is the realtime_glog io_time format.
const ioTimeLayout = "20060102150405"

var placeholderRe = regexp.MustCompile(`"(BIN_[0-9]+)"`)

// body is a decoded request body.
type body struct {
	head map[string]any
	bins map[string][]byte
}

// splitBody separates the JSON head from the trailing blobs.
func splitBody(raw []byte) (body, error) {
	start := bytes.IndexByte(raw, '{')
	if start < 0 {
		return body{}, fmt.Errorf("%w: no JSON head", protocol.ErrMalformedMessage)
	}
	end := headEnd(raw, start)
	if end < 0 {
		return body{}, fmt.Errorf("%w: unbalanced JSON head", protocol.ErrMalformedMessage)
	}

	headBytes := raw[start : end+1]
	dec := json.NewDecoder(bytes.NewReader(headBytes))
	dec.UseNumber()
	var head map[string]any
	if err := dec.Decode(&head); err != nil {
		return body{}, fmt.Errorf("%w: decoding JSON head: %w", protocol.ErrMalformedMessage, err)
	}

	// Placeholders in document order; each names the next blob.
	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllSubmatch(headBytes, -1) {
		name := string(m[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	b := body{head: head, bins: make(map[string][]byte, len(names))}
	if len(names) == 0 {
		return b, nil
	}

	rest := raw[end+1:]
	size := len(rest) / len(names)
	for i, name := range names {
		if i == len(names)-1 {
			b.bins[name] = rest
			break
		}
		b.bins[name] = rest[:size]
		rest = rest[size:]
	}
	return b, nil
}

// headEnd returns the index of the brace closing the object opened at start.
func headEnd(raw []byte, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// str returns a head field as a string, accepting JSON strings and numbers.
func (b body) str(key string) string {
	switch v := b.head[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// blob resolves a head field holding a BIN placeholder.
func (b body) blob(key string) ([]byte, bool) {
	name := b.str(key)
	if name == "" {
		return nil, false
	}
	data, ok := b.bins[name]
	return data, ok
}

// direction maps an io mode to a punch direction. Mode 1 is entry.
func direction(mode int) attendance.Direction {
	if mode == 1 {
		return attendance.DirectionIn
	}
	return attendance.DirectionOut
}

// parseLogData decodes packed log records in order.
func parseLogData(serial string, data []byte) ([]attendance.Record, error) {
	if len(data)%logRecordSize != 0 {
		return nil, fmt.Errorf("%w: log_data length %d is not a multiple of %d",
			protocol.ErrMalformedMessage, len(data), logRecordSize)
	}
	records := make([]attendance.Record, 0, len(data)/logRecordSize)
	for off := 0; off < len(data); off += logRecordSize {
		rec := data[off : off+logRecordSize]
		userID := binary.LittleEndian.Uint32(rec[0:4])
		unix := binary.LittleEndian.Uint32(rec[4:8])
		verify := rec[8]
		io := rec[9]

		records = append(records, attendance.Record{
			DeviceSerial: serial,
			UserID:       strconv.FormatUint(uint64(userID), 10),
			Timestamp:    time.Unix(int64(unix), 0).UTC(),
			VerifyMode:   strconv.Itoa(int(verify)),
			Direction:    direction(int(io)),
			Raw:          fmt.Sprintf("%x", rec),
		})
	}
	return records, nil
}

// parseHeadRecord decodes a single-record realtime_glog head.
func parseHeadRecord(serial string, b body, raw []byte) (attendance.Record, error) {
	userID := normalizeUserID(b.str("user_id"))
	ioTime := b.str("io_time")
	if userID == "" || ioTime == "" {
		return attendance.Record{}, fmt.Errorf("%w: realtime_glog needs user_id and io_time", protocol.ErrMalformedMessage)
	}
	ts, err := time.Parse(ioTimeLayout, ioTime)
	if err != nil {
		return attendance.Record{}, fmt.Errorf("%w: io_time %q: %w", protocol.ErrMalformedMessage, ioTime, err)
	}
	mode, _ := strconv.Atoi(b.str("io_mode")) //nolint:errcheck // absent mode counts as exit

	return attendance.Record{
		DeviceSerial: serial,
		UserID:       userID,
		Timestamp:    ts.UTC(),
		VerifyMode:   b.str("verify_mode"),
		Direction:    direction(mode),
		Raw:          string(raw),
	}, nil
}

// parseAttendance returns the records of a realtime_glog body.
func parseAttendance(serial string, raw []byte) ([]attendance.Record, error) {
	b, err := splitBody(raw)
	if err != nil {
		return nil, err
	}
	if data, ok := b.blob("log_data"); ok {
		return parseLogData(serial, data)
	}
	rec, err := parseHeadRecord(serial, b, raw)
	if err != nil {
		return nil, err
	}
	return []attendance.Record{rec}, nil
}
