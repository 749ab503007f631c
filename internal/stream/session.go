package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/httpx"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/logging"
)

// DefaultReadBufferSize is the socket read size of a session
const DefaultReadBufferSize = 252000

const closeWriteWait = time.Second

// Session owns the streaming socket of one job.
// There is no reconnection: once Open returns, the session is over.
type Session struct {
	dialer *websocket.Dialer
	logger *logrus.Entry

	// OnError is called with every failure before Open returns it
	OnError func(err error)
}

// NewSession creates a session reading readBufferSize bytes at a time.
// Server certificates are not verified.
func NewSession(readBufferSize int, logger *logrus.Entry) *Session {
	if readBufferSize <= 0 {
		readBufferSize = DefaultReadBufferSize
	}
	return &Session{
		dialer: &websocket.Dialer{
			Proxy:          http.ProxyFromEnvironment,
			ReadBufferSize: readBufferSize,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // peers use self-signed certificates
			},
		},
		logger: logging.Component(logger, "stream-session"),
	}
}

// Open connects to address, performs the websocket handshake and calls
// onMessage for every text message in arrival order until the peer closes
// the stream, the socket fails, onMessage returns an error or ctx is done.
// The close handshake is attempted before returning.
//
// A clean peer close and ErrStop return nil. A failed handshake returns a
// transport error, a broken socket a stream error, and a done ctx its
// ctx.Err(). Errors returned by onMessage are returned unchanged.
func (s *Session) Open(ctx context.Context, address string, onMessage func([]byte) error) error {
	logger := s.logger.WithField("address", address)

	conn, resp, err := s.dialer.DialContext(ctx, address, nil)
	if err != nil {
		appErr := httpx.ErrTransport("websocket handshake failed", err)
		if resp != nil {
			appErr.HTTPStatus = resp.StatusCode
		}
		s.report(logger, appErr)
		return appErr
	}
	defer conn.Close()
	// disconnect answers the peer close frame
	conn.SetCloseHandler(func(int, string) error { return nil })
	logger.Debug("Stream opened")

	// Unblock the read loop when ctx is done; the socket is the only
	// thing a blocked read can be interrupted through.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	loopErr := s.readLoop(ctx, conn, onMessage)
	s.disconnect(logger, conn)

	if loopErr != nil {
		s.report(logger, loopErr)
		return loopErr
	}
	logger.Debug("Stream closed")
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, onMessage func([]byte) error) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return classifyReadError(ctx, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := onMessage(data); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}

// classifyReadError maps the error ending the read loop to the result of Open
func classifyReadError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	return httpx.ErrStream("stream interrupted", err)
}

// disconnect sends a close frame; the peer may already be gone
func (s *Session) disconnect(logger *logrus.Entry, conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		logger.Debugf("Close frame not sent: %v", err)
	}
}

func (s *Session) report(logger *logrus.Entry, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Infof("Stream stopped: %v", err)
	} else {
		logger.Errorf("Stream failed: %v", err)
	}
	if s.OnError != nil {
		s.OnError(err)
	}
}
