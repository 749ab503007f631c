package peer

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/httpx"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/logging"
)

type requestIDKey struct{}

// WithRequestID attaches a request id sent as X-Request-Id
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ControlClient issues control plane calls (submit, cancel) to one peer.
//
// Connections are not reused between calls and server certificates are
// NOT verified. Do not point it at a peer reachable through an untrusted
// network.
type ControlClient struct {
	endpoint   Endpoint
	auth       Authorizer
	httpClient *http.Client
	logger     *logrus.Entry
	warnOnce   sync.Once
}

// NewControlClient creates a control client for endpoint
func NewControlClient(endpoint Endpoint, auth Authorizer, logger *logrus.Entry) *ControlClient {
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DisableKeepAlives: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // peers use self-signed certificates
		},
	}

	return &ControlClient{
		endpoint:   endpoint,
		auth:       auth,
		httpClient: &http.Client{Transport: transport},
		logger:     logging.Component(logger, "control-client"),
	}
}

// Endpoint returns the peer endpoint
func (c *ControlClient) Endpoint() Endpoint {
	return c.endpoint
}

// Submit posts a job command
func (c *ControlClient) Submit(ctx context.Context, command string) httpx.Reply {
	return c.post(ctx, command)
}

// Cancel asks the peer to kill the job identified by uuid.
// An empty uuid means no job was bound yet: nothing is sent.
func (c *ControlClient) Cancel(ctx context.Context, uuid string) httpx.Reply {
	if uuid == "" {
		c.logger.Debug("Cancel skipped: no job uuid bound")
		return httpx.OKReply(nil)
	}
	return c.post(ctx, "KILL "+uuid+";")
}

func (c *ControlClient) post(ctx context.Context, command string) httpx.Reply {
	header, err := c.auth.Header(ctx)
	if err != nil {
		var appErr *httpx.AppError
		if errors.As(err, &appErr) {
			return httpx.FailReplyErr(appErr)
		}
		return httpx.FailReplyErr(httpx.ErrAuthUnreachable("", err))
	}

	if c.endpoint.Secure {
		c.warnOnce.Do(func() {
			c.logger.Warn("TLS certificate verification is disabled for the control endpoint")
		})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.ControlURL(), strings.NewReader(command))
	if err != nil {
		return httpx.FailReplyErr(httpx.NewAppError(httpx.KindTransport, 0, httpx.CodeBadRequest, "failed to create request", err))
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Content-Type", "text/plain")
	if id := requestID(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return httpx.FailReplyErr(httpx.ErrTransport("failed to send request to peer", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return httpx.FailReplyErr(httpx.ErrTransport("failed to read response", err))
	}

	reply := classify(resp.StatusCode, resp.Status, body)
	if !reply.OK {
		c.logger.WithFields(logrus.Fields{
			"http_status": reply.HTTPStatus,
			"code":        reply.Code,
		}).Warnf("Control request failed: %s", reply.Message)
	}
	return reply
}

// classify turns an HTTP answer into a Reply.
// A non-200 status fails with the body re-encoded as JSON (or the status
// line when the body is not JSON). A 200 whose status pair carries a
// non-zero code fails with that code and message.
func classify(statusCode int, statusLine string, body []byte) httpx.Reply {
	if statusCode != http.StatusOK {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			encoded, _ := json.Marshal(decoded)
			return httpx.FailReply(statusCode, statusCode, string(encoded))
		}
		return httpx.FailReply(statusCode, statusCode, statusLine)
	}

	var env replyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return httpx.FailReplyErr(httpx.ErrBadReply(httpx.CodeBadReply, "reply is not JSON", err))
	}
	if message, code, ok := env.status(); ok && code != httpx.CodeSuccess {
		return httpx.FailReply(statusCode, code, message)
	}
	return httpx.OKReply(body)
}
