package session

import (
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved local user.
type Identity struct {
	UserID   string
	Username string
	Email    string
}

// Resolver resolves the local user identity through an ordered fallback
// chain: in-memory identity, persisted credentials snapshot, and finally the
// subject claim decoded out of the stored bearer token itself.
type Resolver struct {
	session string

	mu      sync.RWMutex
	current *Identity
}

// NewResolver creates a resolver for the given session.
func NewResolver(sessionName string) *Resolver {
	return &Resolver{session: sessionName}
}

// Set stores the in-memory identity (primary source).
func (r *Resolver) Set(id Identity) {
	r.mu.Lock()
	r.current = &id
	r.mu.Unlock()
}

// Clear drops the in-memory identity.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()
}

// Resolve returns the local identity, or false if no source in the chain
// yields one. It never returns an error: a send that cannot resolve an
// identity fails as unauthenticated at the caller.
func (r *Resolver) Resolve() (Identity, bool) {
	r.mu.RLock()
	current := r.current
	r.mu.RUnlock()
	if current != nil && current.UserID != "" {
		return *current, true
	}

	creds, err := LoadCredentials(r.session)
	if err != nil || creds == nil {
		return Identity{}, false
	}
	if creds.UserID != "" {
		return Identity{UserID: creds.UserID, Username: creds.Username, Email: creds.Email}, true
	}

	// Last resort: decode the identity claim out of the token. The token is
	// not verified here; the server remains the authority on its validity.
	if sub := subjectFromToken(creds.Token); sub != "" {
		return Identity{UserID: sub, Username: creds.Username, Email: creds.Email}, true
	}
	return Identity{}, false
}

// Token returns the persisted bearer token, or empty string.
func (r *Resolver) Token() string {
	creds, err := LoadCredentials(r.session)
	if err != nil || creds == nil {
		return ""
	}
	return creds.Token
}

type identityClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId,omitempty"`
	ID     string `json:"id,omitempty"`
}

// subjectFromToken extracts the user identity claim from a JWT without
// verifying the signature. Accepts the legacy userId and id claims as well
// as the registered subject.
func subjectFromToken(token string) string {
	if token == "" {
		return ""
	}
	var claims identityClaims
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	_, _, err := parser.ParseUnverified(token, &claims)
	if err != nil {
		return ""
	}
	switch {
	case claims.UserID != "":
		return claims.UserID
	case claims.Subject != "":
		return claims.Subject
	default:
		return claims.ID
	}
}
