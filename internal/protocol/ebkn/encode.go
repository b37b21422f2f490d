package ebkn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nerrad567/biogate/internal/command"
	"github.com/nerrad567/biogate/internal/identity"
)

// Command codes sent in the cmd_code response header.
const (
	CmdDeleteUser  = "DELETE_USER"
	CmdSetUserInfo = "SET_USER_INFO"
	CmdGetUserInfo = "GET_USER_INFO"
)

// userIDWidth is the zero-padded user id width terminals expect.
const userIDWidth = 8

// Frame wraps payload as the terminal expects: uint32 LE length (counting
// the trailing NUL), the payload, then 0x00.
func Frame(payload []byte) []byte {
	buf := make([]byte, 4+len(payload)+1)
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)+1)) //nolint:gosec // bodies are far below 4GiB
	copy(buf[4:], payload)
	return buf
}

// PadUserID zero-pads a user id to the terminal width.
func PadUserID(userID string) string {
	if len(userID) >= userIDWidth {
		return userID
	}
	return strings.Repeat("0", userIDWidth-len(userID)) + userID
}

// normalizeUserID strips terminal zero padding.
func normalizeUserID(raw string) string {
	return identity.NormalizeUserID(raw)
}

// EncodeCommand returns the cmd_code and body for cmd. EnrollUser sends the
// stored template blob unframed; the others send a framed user_id object.
func EncodeCommand(cmd *command.Command, template []byte) (cmdCode string, body []byte, err error) {
	switch cmd.Type {
	case command.TypeEnrollUser:
		if len(template) == 0 {
			return "", nil, fmt.Errorf("no EBKN template for user %s", cmd.UserID)
		}
		return CmdSetUserInfo, template, nil
	case command.TypeDeleteUser:
		body, err := userIDBody(cmd.UserID)
		return CmdDeleteUser, body, err
	case command.TypeGetEnrollData:
		body, err := userIDBody(cmd.UserID)
		return CmdGetUserInfo, body, err
	default:
		return "", nil, fmt.Errorf("%w: type %q", command.ErrInvalidCommand, cmd.Type)
	}
}

func userIDBody(userID string) ([]byte, error) {
	payload, err := json.Marshal(struct {
		UserID string `json:"user_id"`
	}{UserID: PadUserID(userID)})
	if err != nil {
		return nil, fmt.Errorf("encoding user id: %w", err)
	}
	return Frame(payload), nil
}
