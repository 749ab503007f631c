package httpx

import (
	"encoding/json"
	"fmt"
)

// Reply is the result of a control plane call.
// Either OK is set and Payload holds the decoded body, or OK is false and
// Code/Message describe the failure. Never both.
type Reply struct {
	OK         bool
	Payload    json.RawMessage
	HTTPStatus int
	Code       int
	Message    string
	Cause      error
}

// OKReply builds a successful reply
func OKReply(payload json.RawMessage) Reply {
	return Reply{OK: true, Payload: payload, HTTPStatus: 200, Code: CodeSuccess}
}

// FailReply builds a failed reply
func FailReply(httpStatus, code int, message string) Reply {
	return Reply{HTTPStatus: httpStatus, Code: code, Message: message}
}

// FailReplyErr builds a failed reply from an AppError
func FailReplyErr(err *AppError) Reply {
	return Reply{HTTPStatus: err.HTTPStatus, Code: err.Code, Message: err.Message, Cause: err}
}

// Err returns the failure as an AppError, or nil for a successful reply.
// Errors that did not come from the control plane keep their own kind.
func (r Reply) Err() error {
	if r.OK {
		return nil
	}
	if r.Cause != nil {
		return r.Cause
	}
	return ErrAPI(r.HTTPStatus, r.Code, r.Message)
}

// Decode unmarshals the payload of a successful reply into v
func (r Reply) Decode(v any) error {
	if !r.OK {
		return fmt.Errorf("cannot decode failed reply: %s", r.Message)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return ErrBadReply(CodeBadReply, "failed to parse reply payload", err)
	}
	return nil
}
