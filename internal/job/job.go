package job

import (
	"sync"
	"time"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/stream"
)

// State is the lifecycle state of a job
type State string

const (
	StateCreated   State = "created"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Job is one submitted command and what is known about its execution.
// The server uuid is only known once the stream delivered its first
// headers message.
type Job struct {
	RequestID string
	Command   string
	CreatedAt time.Time

	tracker *stream.Tracker

	mu              sync.RWMutex
	state           State
	sessionToken    string
	cancelRequested bool          // the peer accepted a KILL
	cancelPending   chan struct{} // closed when the KILL in flight is answered
	stoppedLocally  bool
	rows            int
	columns         []any
	err             error
	finishedAt      time.Time
}

func newJob(requestID, command string) *Job {
	return &Job{
		RequestID: requestID,
		Command:   command,
		CreatedAt: time.Now(),
		tracker:   &stream.Tracker{},
		state:     StateCreated,
	}
}

// UUID returns the server uuid, empty until bound by the stream
func (j *Job) UUID() string {
	return j.tracker.UUID()
}

// Status returns the terminal status message, if received
func (j *Job) Status() (stream.StatusMessage, bool) {
	return j.tracker.Status()
}

// State returns the current state
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// SessionToken returns the streaming session token issued on submit
func (j *Job) SessionToken() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.sessionToken
}

// Rows returns the number of rows currently held by the result
func (j *Job) Rows() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.rows
}

// Columns returns the columns announced by the headers message
func (j *Job) Columns() []any {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.columns
}

// Err returns the error the job ended with, if any
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// FinishedAt returns when the job reached a terminal state
func (j *Job) FinishedAt() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.finishedAt
}

func (j *Job) startStreaming(aes string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessionToken = aes
	j.state = StateStreaming
}

func (j *Job) finish(state State, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = state
	j.err = err
	j.finishedAt = time.Now()
}

// beginCancel reserves the right to send a KILL; false when one is in
// flight, was already accepted, or the job is over
func (j *Job) beginCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelRequested || j.cancelPending != nil || j.state.Terminal() {
		return false
	}
	j.cancelPending = make(chan struct{})
	return true
}

// endCancel records the outcome of the KILL started by beginCancel. A
// rejected KILL leaves the job cancellable again.
func (j *Job) endCancel(accepted bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if accepted {
		j.cancelRequested = true
	}
	close(j.cancelPending)
	j.cancelPending = nil
}

// cancelWasRequested reports whether the peer accepted a KILL, waiting for
// one in flight to be answered
func (j *Job) cancelWasRequested() bool {
	j.mu.RLock()
	pending := j.cancelPending
	j.mu.RUnlock()
	if pending != nil {
		<-pending
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cancelRequested
}

func (j *Job) markStopped() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stoppedLocally = true
}

func (j *Job) wasStopped() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.stoppedLocally
}

func (j *Job) addRows(n int, replace bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if replace {
		j.rows = n
	} else {
		j.rows += n
	}
}

func (j *Job) setColumns(columns []any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.columns == nil {
		j.columns = columns
	}
}

// Snapshot is the state handed to a Recorder on every transition
type Snapshot struct {
	RequestID     string
	UUID          string
	Command       string
	State         State
	StatusCode    int
	StatusMessage string
	StatusDetail  any
	Columns       []any
	Rows          int
	Error         string
	CreatedAt     time.Time
	FinishedAt    time.Time
}

// Snapshot returns a copy of the job state
func (j *Job) Snapshot() Snapshot {
	snap := Snapshot{
		RequestID: j.RequestID,
		UUID:      j.UUID(),
		Command:   j.Command,
		CreatedAt: j.CreatedAt,
	}
	if status, ok := j.Status(); ok {
		snap.StatusCode = status.Code
		snap.StatusMessage = status.Message
		snap.StatusDetail = status.Detail
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	snap.State = j.state
	snap.Columns = j.columns
	snap.Rows = j.rows
	snap.FinishedAt = j.finishedAt
	if j.err != nil {
		snap.Error = j.err.Error()
	}
	return snap
}
