package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/httpx"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/logging"
)

// Authority issues short-lived bearers for a peer identity
type Authority interface {
	FetchBearer(ctx context.Context, id PeerIdentity) (string, error)
}

// AuthorityClient fetches bearers from the account API over HTTPS
type AuthorityClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Entry
}

// authTokenResponse is the account API reply
type authTokenResponse struct {
	Error    bool   `json:"error"`
	ErrorMsg string `json:"error_msg"`
	Data     struct {
		Rows [][]json.RawMessage `json:"rows"`
	} `json:"data"`
}

// NewAuthorityClient creates an authority client.
// An empty baseURL selects https://{grid}.api.eulerian.{platform}.
// A zero timeout leaves requests unbounded.
func NewAuthorityClient(baseURL string, timeout time.Duration, logger *logrus.Entry) *AuthorityClient {
	return &AuthorityClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.Component(logger, "authority"),
	}
}

// URL builds the bearer request URL for an identity
func (a *AuthorityClient) URL(id PeerIdentity) string {
	base := a.baseURL
	if base == "" {
		base = fmt.Sprintf("https://%s.api.eulerian.%s", id.Grid, id.Platform)
	}

	query := url.Values{}
	query.Set("ip", id.IP)
	query.Set("kind", id.Kind)
	query.Set("output-as-kdc", "1")

	return fmt.Sprintf("%s/ea/v2/%s/er/account/authtoken.json?%s", base, url.PathEscape(id.Token), query.Encode())
}

// FetchBearer requests a new bearer for id
func (a *AuthorityClient) FetchBearer(ctx context.Context, id PeerIdentity) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL(id), nil)
	if err != nil {
		return "", httpx.ErrAuthUnreachable("failed to create request", err)
	}

	a.logger.WithField("identity", id.String()).Debug("requesting bearer")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", httpx.ErrAuthUnreachable("", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", httpx.ErrAuthUnreachable("failed to read response", err)
	}

	var reply authTokenResponse
	if jsonErr := json.Unmarshal(body, &reply); jsonErr != nil {
		if resp.StatusCode != http.StatusOK {
			return "", httpx.ErrAuthRejected(resp.StatusCode, resp.Status)
		}
		return "", httpx.NewAppError(httpx.KindAuth, resp.StatusCode, httpx.CodeBadReply, "failed to parse authority response", jsonErr)
	}

	if reply.Error || resp.StatusCode != http.StatusOK {
		msg := reply.ErrorMsg
		if msg == "" {
			msg = resp.Status
		}
		return "", httpx.ErrAuthRejected(resp.StatusCode, msg)
	}

	if len(reply.Data.Rows) == 0 || len(reply.Data.Rows[0]) == 0 {
		return "", httpx.ErrAuthRejected(resp.StatusCode, "authority returned no bearer")
	}

	var token string
	if err := json.Unmarshal(reply.Data.Rows[0][0], &token); err != nil || token == "" {
		return "", httpx.ErrAuthRejected(resp.StatusCode, "authority returned an invalid bearer")
	}
	return token, nil
}
