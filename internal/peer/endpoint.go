package peer

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Endpoint locates the control and streaming endpoints of one peer
type Endpoint struct {
	Host   string
	Ports  [2]int // [insecure, secure]
	Secure bool
}

func (e Endpoint) hostPort() string {
	port := e.Ports[0]
	if e.Secure {
		port = e.Ports[1]
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// ControlURL returns the job submission URL
func (e Endpoint) ControlURL() string {
	scheme := "http"
	if e.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/edwreader/", scheme, e.hostPort())
}

// StreamURL returns the websocket URL of the session identified by aes
func (e Endpoint) StreamURL(aes string) string {
	scheme := "ws"
	if e.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/edwreader/%s", scheme, e.hostPort(), url.PathEscape(aes))
}
