package peer

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/httpx"
)

// Authorizer supplies the Authorization header of control requests
type Authorizer interface {
	Header(ctx context.Context) (string, error)
}

// replyEnvelope is the JSON body of a control reply:
// {"status": [message, code], "data": ...}
type replyEnvelope struct {
	Status []json.RawMessage `json:"status"`
	Data   json.RawMessage   `json:"data"`
}

// status returns the payload-level message and code; ok is false when
// the reply carries no status pair
func (r replyEnvelope) status() (message string, code int, ok bool) {
	if len(r.Status) < 2 {
		return "", 0, false
	}
	if err := json.Unmarshal(r.Status[0], &message); err != nil {
		message = string(r.Status[0])
	}

	var raw any
	if err := json.Unmarshal(r.Status[1], &raw); err != nil {
		return message, 0, false
	}
	switch v := raw.(type) {
	case float64:
		code = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return message, 0, false
		}
		code = n
	default:
		return message, 0, false
	}
	return message, code, true
}

// SessionToken extracts the streaming session token ("aes") from a
// successful submit reply. data is either an array whose first element is
// the token or an object with an "aes" member.
func SessionToken(reply httpx.Reply) (string, error) {
	if err := reply.Err(); err != nil {
		return "", err
	}

	var env replyEnvelope
	if err := reply.Decode(&env); err != nil {
		return "", err
	}

	var list []json.RawMessage
	if err := json.Unmarshal(env.Data, &list); err == nil && len(list) > 0 {
		var aes string
		if err := json.Unmarshal(list[0], &aes); err == nil && aes != "" {
			return aes, nil
		}
	}

	var obj struct {
		AES string `json:"aes"`
	}
	if err := json.Unmarshal(env.Data, &obj); err == nil && obj.AES != "" {
		return obj.AES, nil
	}

	return "", httpx.ErrBadReply(httpx.CodeNoSession, "submit reply carries no session token", nil)
}
