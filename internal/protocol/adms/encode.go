package adms

import (
	"fmt"

	"github.com/nerrad567/biogate/internal/command"
)

// commandLines renders cmd as getrequest lines. A single line is prefixed
// C:<id>:. When a command needs several lines each gets its own part id,
// C:<id>-<n>:, so results posted separately can be told apart.
// template is the stored ADMS fingerprint field string, if any.
func commandLines(cmd *command.Command, template []byte) ([]string, error) {
	var bodies []string
	switch cmd.Type {
	case command.TypeEnrollUser:
		bodies = []string{"DATA UPDATE USERINFO PIN=" + cmd.UserID}
		if len(template) > 0 {
			bodies = append(bodies, "DATA UPDATE FINGERTMP PIN="+cmd.UserID+"\t"+string(template))
		}
	case command.TypeDeleteUser:
		bodies = []string{"DATA DELETE USERINFO PIN=" + cmd.UserID}
	case command.TypeGetEnrollData:
		bodies = []string{"DATA QUERY FINGERTMP PIN=" + cmd.UserID}
	default:
		return nil, fmt.Errorf("%w: type %q", command.ErrInvalidCommand, cmd.Type)
	}

	if len(bodies) == 1 {
		return []string{fmt.Sprintf("C:%d:%s", cmd.ID, bodies[0])}, nil
	}
	out := make([]string, len(bodies))
	for i, b := range bodies {
		out[i] = fmt.Sprintf("C:%d-%d:%s", cmd.ID, i+1, b)
	}
	return out, nil
}
