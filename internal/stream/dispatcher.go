package stream

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/logging"
)

// ErrStop returned by a handler ends the stream without error
var ErrStop = errors.New("stream: stop requested by handler")

// Handler receives the events of one job, in wire order, on the
// goroutine reading the stream. A non-nil return stops the stream;
// ErrStop stops it cleanly, any other error is returned to the caller.
type Handler interface {
	OnAdd(uuid string, rows [][]any) error
	OnReplace(uuid string, rows [][]any) error
	OnHeaders(uuid string, rangeStart, rangeEnd int64, columns []any) error
	OnProgress(uuid string, percent float64) error
	OnStatus(uuid, aes string, code int, message string, detail any) error
}

// NopHandler ignores every event. Embed it to implement a subset.
type NopHandler struct{}

func (NopHandler) OnAdd(string, [][]any) error                     { return nil }
func (NopHandler) OnReplace(string, [][]any) error                 { return nil }
func (NopHandler) OnHeaders(string, int64, int64, []any) error     { return nil }
func (NopHandler) OnProgress(string, float64) error                { return nil }
func (NopHandler) OnStatus(string, string, int, string, any) error { return nil }

// Tracker records what the stream taught us about the job.
// Safe for concurrent use: Cancel reads the uuid from other goroutines.
type Tracker struct {
	mu       sync.RWMutex
	uuid     string
	status   *StatusMessage
	messages int
}

// UUID returns the job uuid bound by the first headers message
func (t *Tracker) UUID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.uuid
}

// Status returns the terminal status, if one was received
func (t *Tracker) Status() (StatusMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.status == nil {
		return StatusMessage{}, false
	}
	return *t.status, true
}

// Messages returns the number of dispatched messages
func (t *Tracker) Messages() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.messages
}

// bind sets the uuid once; later headers do not rebind it
func (t *Tracker) bind(uuid string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages++
	if t.uuid != "" || uuid == "" {
		return false
	}
	t.uuid = uuid
	return true
}

func (t *Tracker) seen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages++
}

func (t *Tracker) terminate(status StatusMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages++
	t.status = &status
}

// Dispatcher routes decoded messages to a Handler
type Dispatcher struct {
	handler Handler
	tracker *Tracker
	logger  *logrus.Entry
}

// NewDispatcher creates a dispatcher; tracker may be nil
func NewDispatcher(handler Handler, tracker *Tracker, logger *logrus.Entry) *Dispatcher {
	if tracker == nil {
		tracker = &Tracker{}
	}
	return &Dispatcher{
		handler: handler,
		tracker: tracker,
		logger:  logging.Component(logger, "dispatcher"),
	}
}

// Tracker returns the tracker fed by this dispatcher
func (d *Dispatcher) Tracker() *Tracker {
	return d.tracker
}

// Dispatch decodes raw and invokes the matching handler method.
// Malformed envelopes and unknown tags are logged and skipped.
func (d *Dispatcher) Dispatch(raw []byte) error {
	msg, err := Decode(raw)
	if err != nil {
		d.logger.Warnf("Skipping malformed message: %v", err)
		return nil
	}

	switch m := msg.(type) {
	case *AddMessage:
		d.tracker.seen()
		return d.handler.OnAdd(m.UUID, m.Rows)
	case *ReplaceMessage:
		d.tracker.seen()
		return d.handler.OnReplace(m.UUID, m.Rows)
	case *HeadersMessage:
		if d.tracker.bind(m.UUID) {
			d.logger.WithField("uuid", m.UUID).Debug("Job uuid bound")
		}
		return d.handler.OnHeaders(m.UUID, m.RangeStart, m.RangeEnd, m.Columns)
	case *ProgressMessage:
		d.tracker.seen()
		return d.handler.OnProgress(m.UUID, m.Percent)
	case *StatusMessage:
		d.tracker.terminate(*m)
		d.logger.WithFields(logrus.Fields{
			"uuid": m.UUID,
			"code": m.Code,
		}).Debugf("Job status: %s", m.Message)
		return d.handler.OnStatus(m.UUID, m.AES, m.Code, m.Message, m.Detail)
	case *UnknownMessage:
		d.logger.WithField("tag", m.Tag).Debug("Ignoring unknown message")
		return nil
	default:
		return nil
	}
}
