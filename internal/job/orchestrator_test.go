package job

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/httpx"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/peer"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/stream"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/testserver"
)

const (
	headersMsg = `{"message":"headers","uuid":"u1","timerange":[100,200],"columns":["a","b"]}`
	addMsg     = `{"message":"add","uuid":"u1","rows":[["x",1],["y",2]]}`
	statusOK   = `{"message":"status","uuid":"u1","aes":"aes-1","status":0,"msg":"Success"}`
	statusKill = `{"message":"status","uuid":"u1","aes":"aes-1","status":9,"msg":"Killed"}`
)

type staticAuth struct{}

func (staticAuth) Header(context.Context) (string, error) { return "bearer abc", nil }

// events records handler calls in order
type events struct {
	stream.NopHandler
	mu   sync.Mutex
	tags []string
	// onHeaders runs inside OnHeaders
	onHeaders func()
}

func (e *events) add(tag string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tags = append(e.tags, tag)
}

func (e *events) Tags() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.tags...)
}

func (e *events) OnAdd(string, [][]any) error { e.add("add"); return nil }

func (e *events) OnHeaders(string, int64, int64, []any) error {
	e.add("headers")
	if e.onHeaders != nil {
		e.onHeaders()
	}
	return nil
}

func (e *events) OnStatus(string, string, int, string, any) error { e.add("status"); return nil }

// memoryRecorder keeps every snapshot
type memoryRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (m *memoryRecorder) Record(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
	return nil
}

func (m *memoryRecorder) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var states []State
	for _, s := range m.snaps {
		states = append(states, s.State)
	}
	return states
}

func newOrchestrator(t *testing.T) (*Orchestrator, *testserver.EDW, *memoryRecorder) {
	t.Helper()
	server := testserver.NewEDW(false)
	t.Cleanup(server.Close)

	port := server.Port()
	endpoint := peer.Endpoint{Host: server.Host(), Ports: [2]int{port, port}}
	recorder := &memoryRecorder{}
	o := NewOrchestrator(&Config{
		Endpoint: endpoint,
		Control:  peer.NewControlClient(endpoint, staticAuth{}, nil),
		Stream:   stream.NewSession(0, nil),
		Recorder: recorder,
	})
	return o, server, recorder
}

func TestRun_Completed(t *testing.T) {
	o, server, recorder := newOrchestrator(t)
	server.SetScript("aes-1", testserver.Script{Messages: []string{headersMsg, addMsg, addMsg, statusOK}})

	h := &events{}
	job, err := o.Run(context.Background(), "get { ... };", h)

	require.NoError(t, err)
	assert.Equal(t, []string{"headers", "add", "add", "status"}, h.Tags())
	assert.Equal(t, StateCompleted, job.State())
	assert.Equal(t, "u1", job.UUID())
	assert.Equal(t, "aes-1", job.SessionToken())
	assert.Equal(t, 4, job.Rows())
	assert.Equal(t, []any{"a", "b"}, job.Columns())
	assert.NotEmpty(t, job.RequestID)
	assert.False(t, job.FinishedAt().IsZero())
	assert.Equal(t, []State{StateCreated, StateStreaming, StateCompleted}, recorder.States())
}

func TestRun_SubmitFailureOpensNoStream(t *testing.T) {
	opened := 0
	o := NewOrchestrator(&Config{
		Endpoint: peer.Endpoint{Host: "unused", Ports: [2]int{1, 2}},
		Control:  &fakeControl{submit: httpx.FailReply(http.StatusOK, 12, "bad query")},
		Stream: streamFunc(func(context.Context, string, func([]byte) error) error {
			opened++
			return nil
		}),
	})

	job, err := o.Run(context.Background(), "broken", stream.NopHandler{})

	var appErr *httpx.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 12, appErr.Code)
	assert.Equal(t, "bad query", appErr.Message)
	assert.Zero(t, opened)
	assert.Equal(t, StateFailed, job.State())
	assert.Equal(t, err, job.Err())
}

func TestRun_MissingSessionToken(t *testing.T) {
	o := NewOrchestrator(&Config{
		Control: &fakeControl{submit: httpx.OKReply([]byte(`{"status":["ok",0]}`))},
		Stream: streamFunc(func(context.Context, string, func([]byte) error) error {
			t.Fatal("stream must not be opened")
			return nil
		}),
	})

	_, err := o.Run(context.Background(), "cmd;", stream.NopHandler{})
	assert.True(t, httpx.IsKind(err, httpx.KindAPI))
}

func TestRun_StreamAddress(t *testing.T) {
	var address string
	o := NewOrchestrator(&Config{
		Endpoint: peer.Endpoint{Host: "edw.example.com", Ports: [2]int{8080, 8443}, Secure: true},
		Control:  &fakeControl{submit: httpx.OKReply([]byte(`{"status":["ok",0],"data":["tok"]}`))},
		Stream: streamFunc(func(_ context.Context, addr string, onMessage func([]byte) error) error {
			address = addr
			return onMessage([]byte(statusOK))
		}),
	})

	_, err := o.Run(context.Background(), "cmd;", stream.NopHandler{})
	require.NoError(t, err)
	assert.Equal(t, "wss://edw.example.com:8443/edwreader/tok", address)
}

func TestRun_StreamEndsWithoutStatus(t *testing.T) {
	o, server, _ := newOrchestrator(t)
	server.SetScript("aes-1", testserver.Script{Messages: []string{headersMsg, addMsg}})

	job, err := o.Run(context.Background(), "cmd;", stream.NopHandler{})

	assert.True(t, httpx.IsKind(err, httpx.KindStream), "got %v", err)
	assert.Equal(t, StateFailed, job.State())
}

func TestRun_DropAfterStatusIsCompleted(t *testing.T) {
	o, server, _ := newOrchestrator(t)
	server.SetScript("aes-1", testserver.Script{Messages: []string{headersMsg, statusOK}, Abort: true})

	job, err := o.Run(context.Background(), "cmd;", stream.NopHandler{})

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State())
}

func TestRun_NonZeroStatusIsFailed(t *testing.T) {
	o, server, _ := newOrchestrator(t)
	server.SetScript("aes-1", testserver.Script{Messages: []string{headersMsg, statusKill}})

	job, err := o.Run(context.Background(), "cmd;", stream.NopHandler{})

	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State())
	status, ok := job.Status()
	require.True(t, ok)
	assert.Equal(t, 9, status.Code)
}

func TestRun_HandlerStop(t *testing.T) {
	o, server, _ := newOrchestrator(t)
	server.SetScript("aes-1", testserver.Script{Messages: []string{headersMsg, addMsg}, Hold: true})

	job, err := o.Run(context.Background(), "cmd;", stopOnAdd{})

	require.NoError(t, err)
	assert.Equal(t, StateCancelled, job.State())
}

func TestCancel_FromAnotherGoroutine(t *testing.T) {
	o, server, _ := newOrchestrator(t)
	server.SetScript("aes-1", testserver.Script{Messages: []string{headersMsg}, Hold: true, Killed: statusKill})

	cancelErr := make(chan error, 1)
	h := &events{onHeaders: func() {
		go func() { cancelErr <- o.Cancel(context.Background()) }()
	}}

	done := make(chan struct{})
	var job *Job
	var err error
	go func() {
		defer close(done)
		job, err = o.Run(context.Background(), "cmd;", h)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	require.NoError(t, <-cancelErr)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, job.State())
	assert.Equal(t, []string{"headers", "status"}, h.Tags())

	var kills int
	for _, req := range server.Requests() {
		if strings.HasPrefix(req.Body, "KILL ") {
			kills++
			assert.Equal(t, "KILL u1;", req.Body)
		}
	}
	assert.Equal(t, 1, kills)
}

func TestCancel_Idempotent(t *testing.T) {
	control := &fakeControl{submit: httpx.FailReply(http.StatusInternalServerError, 500, "down")}
	o := NewOrchestrator(&Config{Control: control, Stream: streamFunc(nil)})

	require.NoError(t, o.Cancel(context.Background()), "cancel before any job")

	_, err := o.Run(context.Background(), "cmd;", stream.NopHandler{})
	require.Error(t, err)

	require.NoError(t, o.Cancel(context.Background()))
	require.NoError(t, o.Cancel(context.Background()))
	assert.Zero(t, control.cancels, "no uuid bound: cancel must not reach the network")
}

func TestCancel_RejectedCanBeRetried(t *testing.T) {
	rejected := httpx.FailReply(http.StatusBadGateway, http.StatusBadGateway, "502 Bad Gateway")
	control := &fakeControl{
		submit:        httpx.OKReply([]byte(`{"status":["ok",0],"data":["tok"]}`)),
		cancelReplies: []httpx.Reply{rejected, rejected},
	}
	var cancelErrs []error
	var o *Orchestrator
	o = NewOrchestrator(&Config{
		Control: control,
		Stream: streamFunc(func(ctx context.Context, _ string, onMessage func([]byte) error) error {
			if err := onMessage([]byte(headersMsg)); err != nil {
				return err
			}
			cancelErrs = append(cancelErrs, o.Cancel(ctx), o.Cancel(ctx))
			return nil
		}),
	})

	job, err := o.Run(context.Background(), "cmd;", stream.NopHandler{})

	require.Len(t, cancelErrs, 2)
	assert.Error(t, cancelErrs[0])
	assert.Error(t, cancelErrs[1], "a rejected cancel must not make the next one a silent no-op")
	assert.Equal(t, 2, control.cancels)
	assert.True(t, httpx.IsKind(err, httpx.KindStream), "got %v", err)
	assert.Equal(t, StateFailed, job.State(), "peer never accepted the cancel")
}

func TestCancel_AcceptedAfterRejection(t *testing.T) {
	control := &fakeControl{
		submit:        httpx.OKReply([]byte(`{"status":["ok",0],"data":["tok"]}`)),
		cancelReplies: []httpx.Reply{httpx.FailReply(http.StatusBadGateway, http.StatusBadGateway, "502 Bad Gateway")},
	}
	var cancelErrs []error
	var o *Orchestrator
	o = NewOrchestrator(&Config{
		Control: control,
		Stream: streamFunc(func(ctx context.Context, _ string, onMessage func([]byte) error) error {
			if err := onMessage([]byte(headersMsg)); err != nil {
				return err
			}
			cancelErrs = append(cancelErrs, o.Cancel(ctx), o.Cancel(ctx), o.Cancel(ctx))
			return nil
		}),
	})

	job, err := o.Run(context.Background(), "cmd;", stream.NopHandler{})

	require.Len(t, cancelErrs, 3)
	assert.Error(t, cancelErrs[0])
	assert.NoError(t, cancelErrs[1])
	assert.NoError(t, cancelErrs[2])
	assert.Equal(t, 2, control.cancels, "an accepted cancel is not resent")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, job.State())
}

func TestCancel_AfterCompletion(t *testing.T) {
	o, server, _ := newOrchestrator(t)
	server.SetScript("aes-1", testserver.Script{Messages: []string{headersMsg, statusOK}})

	_, err := o.Run(context.Background(), "cmd;", stream.NopHandler{})
	require.NoError(t, err)

	require.NoError(t, o.Cancel(context.Background()))
	require.NoError(t, o.Cancel(context.Background()))
	assert.Len(t, server.Requests(), 1, "only the submit reached the peer")
}

func TestRun_ContextCancel(t *testing.T) {
	o, server, _ := newOrchestrator(t)
	server.SetScript("aes-1", testserver.Script{Messages: []string{headersMsg}, Hold: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &events{onHeaders: cancel}

	job, err := o.Run(ctx, "cmd;", h)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, job.State())
}

func TestRun_Busy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	o := NewOrchestrator(&Config{
		Control: &fakeControl{submit: httpx.OKReply([]byte(`{"status":["ok",0],"data":["tok"]}`))},
		Stream: streamFunc(func(_ context.Context, _ string, onMessage func([]byte) error) error {
			close(started)
			<-release
			return onMessage([]byte(statusOK))
		}),
	})

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), "first", stream.NopHandler{})
		done <- err
	}()
	<-started

	_, err := o.Run(context.Background(), "second", stream.NopHandler{})
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "first", o.Current().Command)
}

type stopOnAdd struct{ stream.NopHandler }

func (stopOnAdd) OnAdd(string, [][]any) error { return stream.ErrStop }

type fakeControl struct {
	submit  httpx.Reply
	cancels int
	// cancelReplies are returned in order, then OK
	cancelReplies []httpx.Reply
}

func (f *fakeControl) Submit(context.Context, string) httpx.Reply { return f.submit }

func (f *fakeControl) Cancel(context.Context, string) httpx.Reply {
	f.cancels++
	if len(f.cancelReplies) > 0 {
		reply := f.cancelReplies[0]
		f.cancelReplies = f.cancelReplies[1:]
		return reply
	}
	return httpx.OKReply(nil)
}

type streamFunc func(ctx context.Context, address string, onMessage func([]byte) error) error

func (f streamFunc) Open(ctx context.Context, address string, onMessage func([]byte) error) error {
	return f(ctx, address, onMessage)
}
