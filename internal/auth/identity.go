package auth

import "fmt"

// PeerIdentity identifies the account a bearer is issued for.
// It is immutable once built; copy it by value.
type PeerIdentity struct {
	Kind     string
	Platform string
	Grid     string
	IP       string
	Token    string // long-lived account token
}

// Key returns the cache key of the identity.
// The long-lived token is part of the key but never logged.
func (p PeerIdentity) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", p.Kind, p.Platform, p.Grid, p.IP, p.Token)
}

// String is safe to log
func (p PeerIdentity) String() string {
	return fmt.Sprintf("%s/%s/%s@%s", p.Kind, p.Platform, p.Grid, p.IP)
}
