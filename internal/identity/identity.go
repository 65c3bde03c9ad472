// Package identity resolves connection ids to authenticated accounts.
// Session issuance happens elsewhere; this package only verifies the token a
// client presents when its socket is accepted and remembers the binding for
// the life of the connection.
package identity

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v4"
)

// ErrNotAuthenticated is returned when a connection has no resolvable
// identity. Callers reject the request with no side effects.
var ErrNotAuthenticated = errors.New("connection is not authenticated")

// Identity is the resolved account behind a connection.
type Identity struct {
	AccountID int64
	Username  string
}

// Resolver maps a connection id to its account.
type Resolver interface {
	Resolve(connectionID string) (*Identity, error)
}

// Claims is the token payload issued by the session service.
type Claims struct {
	AccountID int64  `json:"account_id"`
	Username  string `json:"username"`
	jwt.RegisteredClaims
}

// Registry verifies JWTs at socket accept and keeps a process-local binding
// of connection id to identity. A connection's binding is cleared
// unconditionally on disconnect.
type Registry struct {
	secret []byte
	mu     sync.RWMutex
	byConn map[string]*Identity
}

// NewRegistry creates a registry verifying tokens with the given HMAC secret.
func NewRegistry(secret string) *Registry {
	return &Registry{
		secret: []byte(secret),
		byConn: make(map[string]*Identity),
	}
}

// Verify checks a token without binding it to any connection.
func (r *Registry) Verify(token string) (*Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid || claims.AccountID == 0 {
		return nil, ErrNotAuthenticated
	}
	return &Identity{AccountID: claims.AccountID, Username: claims.Username}, nil
}

// Attach associates an already verified identity with a connection.
func (r *Registry) Attach(connectionID string, id *Identity) {
	r.mu.Lock()
	r.byConn[connectionID] = id
	r.mu.Unlock()
}

// Resolve returns the identity bound to a connection.
func (r *Registry) Resolve(connectionID string) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byConn[connectionID]; ok {
		return id, nil
	}
	return nil, ErrNotAuthenticated
}

// Clear drops the binding for a connection.
func (r *Registry) Clear(connectionID string) {
	r.mu.Lock()
	delete(r.byConn, connectionID)
	r.mu.Unlock()
}
