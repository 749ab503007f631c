package testserver

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ControlRequest is one POST received on the control endpoint
type ControlRequest struct {
	Authorization string
	ContentType   string
	Body          string
}

// ReplyFunc decides the status and body returned for a control request
type ReplyFunc func(req ControlRequest) (status int, body string)

// Script is what the stream endpoint plays for one session token
type Script struct {
	Messages []string
	// Abort drops the TCP connection without a close frame
	Abort bool
	// Hold keeps the socket open after Messages until the client closes it
	// or a KILL command arrives, in which case Killed is sent first
	Hold   bool
	Killed string
}

// EDW is a fake analytics peer serving both the control endpoint and the
// streaming endpoint on one port
type EDW struct {
	Server *httptest.Server

	upgrader websocket.Upgrader

	mu       sync.Mutex
	reply    ReplyFunc
	requests []ControlRequest
	scripts  map[string]Script
	killed   chan struct{}
	killOnce sync.Once
	// closes receives the close code of every client close frame
	closes chan int
}

// NewEDW starts a fake peer; secure selects TLS for both endpoints
func NewEDW(secure bool) *EDW {
	gin.SetMode(gin.TestMode)
	e := &EDW{
		scripts: make(map[string]Script),
		killed:  make(chan struct{}),
		closes:  make(chan int, 16),
		reply:   AcceptWith("aes-1"),
	}

	r := gin.New()
	r.POST("/edwreader/", e.handleControl)
	r.GET("/edwreader/:aes", e.handleStream)

	if secure {
		e.Server = httptest.NewTLSServer(r)
	} else {
		e.Server = httptest.NewServer(r)
	}
	return e
}

// AcceptWith replies to every command with an accepted job carrying aes
func AcceptWith(aes string) ReplyFunc {
	return func(req ControlRequest) (int, string) {
		return http.StatusOK, `{"status":["ok",0],"data":["` + aes + `"]}`
	}
}

// Host returns the listening host
func (e *EDW) Host() string {
	u, _ := url.Parse(e.Server.URL)
	host, _, _ := net.SplitHostPort(u.Host)
	return host
}

// Port returns the listening port
func (e *EDW) Port() int {
	u, _ := url.Parse(e.Server.URL)
	_, port, _ := net.SplitHostPort(u.Host)
	n, _ := strconv.Atoi(port)
	return n
}

// SetReply replaces the control endpoint behavior
func (e *EDW) SetReply(fn ReplyFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reply = fn
}

// SetScript registers what the stream endpoint plays for aes
func (e *EDW) SetScript(aes string, script Script) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[aes] = script
}

// Requests returns the control requests received so far
func (e *EDW) Requests() []ControlRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ControlRequest(nil), e.requests...)
}

// Close shuts the server down
func (e *EDW) Close() {
	e.Server.CloseClientConnections()
	e.Server.Close()
}

func (e *EDW) handleControl(c *gin.Context) {
	body, _ := io.ReadAll(c.Request.Body)
	req := ControlRequest{
		Authorization: c.GetHeader("Authorization"),
		ContentType:   c.GetHeader("Content-Type"),
		Body:          string(body),
	}

	e.mu.Lock()
	e.requests = append(e.requests, req)
	reply := e.reply
	e.mu.Unlock()

	if strings.HasPrefix(req.Body, "KILL ") {
		e.killOnce.Do(func() { close(e.killed) })
	}

	status, out := reply(req)
	c.Data(status, "application/json", []byte(out))
}

func (e *EDW) handleStream(c *gin.Context) {
	e.mu.Lock()
	script, ok := e.scripts[c.Param("aes")]
	e.mu.Unlock()
	if !ok {
		c.String(http.StatusNotFound, "unknown session")
		return
	}

	conn, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, msg := range script.Messages {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
	}

	if script.Abort {
		return
	}

	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	if !script.Hold {
		_ = conn.WriteMessage(websocket.CloseMessage, closeFrame)
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		e.awaitClientClose(conn)
		return
	}

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		e.awaitClientClose(conn)
	}()
	select {
	case <-clientGone:
	case <-e.killed:
		if script.Killed != "" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(script.Killed))
		}
		_ = conn.WriteMessage(websocket.CloseMessage, closeFrame)
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		<-clientGone
	}
}

// awaitClientClose reads until the client closes and records its close code
func (e *EDW) awaitClientClose(conn *websocket.Conn) {
	conn.SetCloseHandler(func(int, string) error { return nil })
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			select {
			case e.closes <- closeErr.Code:
			default:
			}
		}
		return
	}
}

// ClientClose waits for the next close frame sent by a client and returns
// its code; ok is false when none arrived within timeout
func (e *EDW) ClientClose(timeout time.Duration) (code int, ok bool) {
	select {
	case code = <-e.closes:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}
