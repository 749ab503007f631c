package job

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/httpx"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/logging"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/peer"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/stream"
)

// ErrBusy is returned by Run while another job is running
var ErrBusy = errors.New("job: a job is already running on this orchestrator")

// ControlTransport issues control plane calls
type ControlTransport interface {
	Submit(ctx context.Context, command string) httpx.Reply
	Cancel(ctx context.Context, uuid string) httpx.Reply
}

// StreamTransport runs one streaming session to completion
type StreamTransport interface {
	Open(ctx context.Context, address string, onMessage func([]byte) error) error
}

// Recorder is told about every job state transition
type Recorder interface {
	Record(ctx context.Context, snap Snapshot) error
}

// NopRecorder discards snapshots
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Snapshot) error { return nil }

// Config holds the collaborators of an Orchestrator
type Config struct {
	Endpoint peer.Endpoint
	Control  ControlTransport
	Stream   StreamTransport
	Recorder Recorder      // optional
	Logger   *logrus.Entry // optional
}

// Orchestrator runs jobs one at a time: submit, stream, dispatch.
type Orchestrator struct {
	endpoint peer.Endpoint
	control  ControlTransport
	stream   StreamTransport
	recorder Recorder
	logger   *logrus.Entry

	mu      sync.Mutex
	running bool
	last    *Job
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg *Config) *Orchestrator {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Orchestrator{
		endpoint: cfg.Endpoint,
		control:  cfg.Control,
		stream:   cfg.Stream,
		recorder: recorder,
		logger:   logging.Component(cfg.Logger, "job-orchestrator"),
	}
}

// Current returns the running or most recent job, nil before the first Run
func (o *Orchestrator) Current() *Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Run submits command and streams its results to handler until the
// stream ends. It blocks for the whole job.
//
// A failed submit is returned without opening a stream. Otherwise the
// returned error is nil when a terminal status was received, the handler
// stopped the stream with stream.ErrStop or Cancel was honored by the
// peer; ctx.Err() when ctx ended the stream; and the stream or handler
// error otherwise. The job is returned in every case but ErrBusy.
func (o *Orchestrator) Run(ctx context.Context, command string, handler stream.Handler) (*Job, error) {
	job := newJob(uuid.NewString(), command)
	if !o.begin(job) {
		return nil, ErrBusy
	}
	defer o.end()

	ctx = peer.WithRequestID(ctx, job.RequestID)
	logger := o.logger.WithField("request_id", job.RequestID)
	o.record(ctx, logger, job)

	reply := o.control.Submit(ctx, command)
	if err := reply.Err(); err != nil {
		logger.Errorf("Submit failed: %v", err)
		return o.fail(ctx, logger, job, err)
	}

	aes, err := peer.SessionToken(reply)
	if err != nil {
		logger.Errorf("Submit reply unusable: %v", err)
		return o.fail(ctx, logger, job, err)
	}

	job.startStreaming(aes)
	o.record(ctx, logger, job)
	logger.Info("Job submitted, streaming results")

	dispatcher := stream.NewDispatcher(&observedHandler{Handler: handler, job: job}, job.tracker, logger)
	streamErr := o.stream.Open(ctx, o.endpoint.StreamURL(aes), dispatcher.Dispatch)

	state, err := settle(ctx, job, streamErr)
	if err != nil && state != StateCancelled {
		logger.WithField("uuid", job.UUID()).Errorf("Job ended: %v", err)
	}
	job.finish(state, err)
	o.record(ctx, logger, job)
	logger.WithFields(logrus.Fields{
		"uuid":  job.UUID(),
		"state": state,
		"rows":  job.Rows(),
	}).Info("Job finished")
	return job, err
}

// settle decides the final state of a job whose stream ended with streamErr
func settle(ctx context.Context, job *Job, streamErr error) (State, error) {
	if ctx.Err() != nil && errors.Is(streamErr, ctx.Err()) {
		return StateCancelled, streamErr
	}
	status, hasStatus := job.Status()
	cancelled := job.cancelWasRequested()

	switch {
	case hasStatus && (streamErr == nil || httpx.IsKind(streamErr, httpx.KindStream)):
		// a socket dropping after the terminal status loses nothing
		if cancelled {
			return StateCancelled, nil
		}
		if status.Code != httpx.CodeSuccess {
			return StateFailed, nil
		}
		return StateCompleted, nil
	case streamErr != nil:
		return StateFailed, streamErr
	case job.wasStopped() || cancelled:
		return StateCancelled, nil
	default:
		return StateFailed, httpx.ErrStream("stream ended before terminal status", nil)
	}
}

// Cancel asks the peer to stop the current job. Safe to call from any
// goroutine while Run is blocked, and any number of times; a rejected
// cancel can be retried, an accepted one is not resent. It does not
// close the local socket: the peer ending the stream does. Without a
// bound uuid, or once the job is over, nothing is sent.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	job := o.Current()
	if job == nil {
		return nil
	}
	return o.CancelJob(ctx, job)
}

// CancelJob asks the peer to stop job
func (o *Orchestrator) CancelJob(ctx context.Context, job *Job) error {
	logger := o.logger.WithField("request_id", job.RequestID)

	id := job.UUID()
	if id == "" {
		logger.Debug("Cancel ignored: job uuid not bound yet")
		return nil
	}
	if !job.beginCancel() {
		logger.Debug("Cancel ignored: already requested or job over")
		return nil
	}

	logger.WithField("uuid", id).Info("Cancelling job")
	reply := o.control.Cancel(peer.WithRequestID(ctx, job.RequestID), id)
	err := reply.Err()
	job.endCancel(err == nil)
	if err != nil {
		logger.WithField("uuid", id).Warnf("Cancel rejected: %v", err)
	}
	return err
}

func (o *Orchestrator) begin(job *Job) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	o.last = job
	return true
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
}

func (o *Orchestrator) fail(ctx context.Context, logger *logrus.Entry, job *Job, err error) (*Job, error) {
	job.finish(StateFailed, err)
	o.record(ctx, logger, job)
	return job, err
}

// record never fails the job: history is best effort
func (o *Orchestrator) record(ctx context.Context, logger *logrus.Entry, job *Job) {
	if err := o.recorder.Record(context.WithoutCancel(ctx), job.Snapshot()); err != nil {
		logger.Warnf("Failed to record job state: %v", err)
	}
}

// observedHandler keeps the job counters current before delegating
type observedHandler struct {
	stream.Handler
	job *Job
}

func (h *observedHandler) observe(err error) error {
	if errors.Is(err, stream.ErrStop) {
		h.job.markStopped()
	}
	return err
}

func (h *observedHandler) OnAdd(id string, rows [][]any) error {
	h.job.addRows(len(rows), false)
	return h.observe(h.Handler.OnAdd(id, rows))
}

func (h *observedHandler) OnReplace(id string, rows [][]any) error {
	h.job.addRows(len(rows), true)
	return h.observe(h.Handler.OnReplace(id, rows))
}

func (h *observedHandler) OnHeaders(id string, rangeStart, rangeEnd int64, columns []any) error {
	h.job.setColumns(columns)
	return h.observe(h.Handler.OnHeaders(id, rangeStart, rangeEnd, columns))
}

func (h *observedHandler) OnProgress(id string, percent float64) error {
	return h.observe(h.Handler.OnProgress(id, percent))
}

func (h *observedHandler) OnStatus(id, aes string, code int, message string, detail any) error {
	return h.observe(h.Handler.OnStatus(id, aes, code, message, detail))
}
