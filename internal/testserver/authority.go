// Package testserver provides in-process fakes of the account authority
// and of the EDW control and streaming endpoints.
package testserver

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// Authority is a fake bearer authority
type Authority struct {
	Server *httptest.Server

	calls atomic.Int64

	mu       sync.Mutex
	bearer   string
	failWith int
}

// NewAuthority starts an authority issuing bearer
func NewAuthority(bearer string) *Authority {
	gin.SetMode(gin.TestMode)
	a := &Authority{bearer: bearer}

	r := gin.New()
	r.GET("/ea/v2/:token/er/account/authtoken.json", a.handleAuthToken)
	a.Server = httptest.NewServer(r)
	return a
}

// URL returns the base URL of the authority
func (a *Authority) URL() string {
	return a.Server.URL
}

// Calls returns the number of bearer requests served
func (a *Authority) Calls() int {
	return int(a.calls.Load())
}

// FailWith makes the authority answer with status and an error body.
// Zero restores normal behavior.
func (a *Authority) FailWith(status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failWith = status
}

// Close shuts the server down
func (a *Authority) Close() {
	a.Server.Close()
}

func (a *Authority) handleAuthToken(c *gin.Context) {
	a.calls.Add(1)

	a.mu.Lock()
	failWith, bearer := a.failWith, a.bearer
	a.mu.Unlock()

	if failWith != 0 {
		c.JSON(failWith, gin.H{"error": true, "error_msg": "denied"})
		return
	}
	if c.Query("ip") == "" {
		c.JSON(http.StatusOK, gin.H{"error": true, "error_msg": "ip is required"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"error":     false,
		"error_msg": "",
		"data": gin.H{
			"rows": [][]string{{bearer}},
		},
	})
}
