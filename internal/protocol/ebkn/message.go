package ebkn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/biogate/internal/protocol"
)

// Request codes.
const (
	RequestReceiveCmd    = "receive_cmd"
	RequestRealtimeGlog  = "realtime_glog"
	RequestSendCmdResult = "send_cmd_result"
	RequestRealtimeEnrol = "realtime_enroll_data"
)

// Header names. Reverse proxies may forward them with an X- prefix or with
// dashes; protocol.Request.HeaderValue accepts every spelling.
const (
	HeaderRequestCode   = "request_code"
	HeaderDevID         = "dev_id"
	HeaderBlkNo         = "blk_no"
	HeaderTransID       = "trans_id"
	HeaderCmdReturnCode = "cmd_return_code"
	HeaderResponseCode  = "response_code"
	HeaderCmdCode       = "cmd_code"
)

// message holds the decoded out-of-band fields of one request.
type message struct {
	requestCode string
	devID       int
	blkNo       int
	transID     string
	returnCode  string
}

func parseMessage(r *protocol.Request) (message, error) {
	m := message{
		requestCode: r.HeaderValue(HeaderRequestCode),
		transID:     r.HeaderValue(HeaderTransID),
		returnCode:  strings.TrimSpace(r.HeaderValue(HeaderCmdReturnCode)),
	}
	if m.requestCode == "" {
		return m, fmt.Errorf("%w: missing request_code", protocol.ErrMalformedMessage)
	}

	raw := r.HeaderValue(HeaderDevID)
	if raw == "" {
		return m, fmt.Errorf("%w: missing dev_id", protocol.ErrMalformedMessage)
	}
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return m, fmt.Errorf("%w: dev_id %q is not numeric", protocol.ErrMalformedMessage, raw)
	}
	m.devID = id

	if blk := strings.TrimSpace(r.HeaderValue(HeaderBlkNo)); blk != "" {
		n, err := strconv.Atoi(blk)
		if err != nil || n < 0 {
			return m, fmt.Errorf("%w: invalid blk_no %q", protocol.ErrMalformedMessage, blk)
		}
		m.blkNo = n
	}
	return m, nil
}

// succeeded reports whether a cmd_return_code means success.
func succeeded(code string) bool {
	return code == "0" || strings.EqualFold(code, "OK")
}
