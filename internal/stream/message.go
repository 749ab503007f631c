package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message tags
const (
	TagAdd      = "add"
	TagReplace  = "replace"
	TagHeaders  = "headers"
	TagProgress = "progress"
	TagStatus   = "status"
)

// Message is one decoded envelope. The concrete type is one of
// *AddMessage, *ReplaceMessage, *HeadersMessage, *ProgressMessage,
// *StatusMessage or *UnknownMessage.
type Message interface {
	JobUUID() string
	isMessage()
}

// AddMessage appends rows to the result
type AddMessage struct {
	UUID string  `json:"uuid"`
	Rows [][]any `json:"rows"`
}

// ReplaceMessage replaces the rows received so far
type ReplaceMessage struct {
	UUID string  `json:"uuid"`
	Rows [][]any `json:"rows"`
}

// HeadersMessage describes the result schema and time range
type HeadersMessage struct {
	UUID       string
	RangeStart int64
	RangeEnd   int64
	Columns    []any
}

// ProgressMessage reports completion percentage
type ProgressMessage struct {
	UUID    string  `json:"uuid"`
	Percent float64 `json:"progress"`
}

// StatusMessage is the terminal message of a job
type StatusMessage struct {
	UUID    string `json:"uuid"`
	AES     string `json:"aes"`
	Code    int    `json:"status"`
	Message string `json:"msg"`
	Detail  any    `json:"detail"`
}

// UnknownMessage carries a tag this client does not handle
type UnknownMessage struct {
	UUID string
	Tag  string
}

func (m *AddMessage) JobUUID() string      { return m.UUID }
func (m *ReplaceMessage) JobUUID() string  { return m.UUID }
func (m *HeadersMessage) JobUUID() string  { return m.UUID }
func (m *ProgressMessage) JobUUID() string { return m.UUID }
func (m *StatusMessage) JobUUID() string   { return m.UUID }
func (m *UnknownMessage) JobUUID() string  { return m.UUID }

func (*AddMessage) isMessage()      {}
func (*ReplaceMessage) isMessage()  {}
func (*HeadersMessage) isMessage()  {}
func (*ProgressMessage) isMessage() {}
func (*StatusMessage) isMessage()   {}
func (*UnknownMessage) isMessage()  {}

type envelopeTag struct {
	Message string `json:"message"`
	UUID    string `json:"uuid"`
}

type headersWire struct {
	UUID      string  `json:"uuid"`
	TimeRange []int64 `json:"timerange"`
	Columns   []any   `json:"columns"`
}

// Decode parses one text message. Unknown tags decode to *UnknownMessage
// without error. Numbers inside rows and details are kept as json.Number.
func Decode(raw []byte) (Message, error) {
	var tag envelopeTag
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var msg Message
	switch tag.Message {
	case TagAdd:
		msg = &AddMessage{}
	case TagReplace:
		msg = &ReplaceMessage{}
	case TagProgress:
		msg = &ProgressMessage{}
	case TagStatus:
		msg = &StatusMessage{}
	case TagHeaders:
		var wire headersWire
		if err := decodeNumbers(raw, &wire); err != nil {
			return nil, fmt.Errorf("invalid %s envelope: %w", tag.Message, err)
		}
		headers := &HeadersMessage{UUID: wire.UUID, Columns: wire.Columns}
		if len(wire.TimeRange) > 0 {
			headers.RangeStart = wire.TimeRange[0]
		}
		if len(wire.TimeRange) > 1 {
			headers.RangeEnd = wire.TimeRange[1]
		}
		return headers, nil
	default:
		return &UnknownMessage{UUID: tag.UUID, Tag: tag.Message}, nil
	}

	if err := decodeNumbers(raw, msg); err != nil {
		return nil, fmt.Errorf("invalid %s envelope: %w", tag.Message, err)
	}
	return msg, nil
}

func decodeNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
