package broker

import (
	"crypto/subtle"
	"sync"

	"github.com/edgecore/mqttedge/packet"
)

// AuthOutcome tags the three-way result of an authentication or
// authorization decision, mirroring the broker's capability interfaces:
// a credential or activity is either allowed, not recognized at all, or
// explicitly forbidden with a reason.
type AuthOutcome byte

const (
	AuthUnknown AuthOutcome = iota
	AuthAllowed
	AuthForbidden
)

// AuthDecision is the tagged result returned by an Authenticator or
// Authorizer. AuthID is only meaningful when Outcome is AuthAllowed;
// Reason is only meaningful when Outcome is AuthForbidden.
type AuthDecision struct {
	Outcome AuthOutcome
	AuthID  string
	Reason  string
}

// Allowed builds an AuthAllowed decision carrying the resolved identity.
func Allowed(authID string) AuthDecision { return AuthDecision{Outcome: AuthAllowed, AuthID: authID} }

// Unknown builds an AuthUnknown decision: the credential matched no
// configured identity, as distinct from being explicitly denied.
func Unknown() AuthDecision { return AuthDecision{Outcome: AuthUnknown} }

// Forbidden builds an AuthForbidden decision carrying a loggable reason.
func Forbidden(reason string) AuthDecision {
	return AuthDecision{Outcome: AuthForbidden, Reason: reason}
}

// Credentials is what a CONNECT supplies for authentication.
type Credentials struct {
	ClientID string
	Username string
	Password []byte
	PeerAddr string
}

// Authenticator decides whether a CONNECT may proceed. Invoked once per
// CONNECT from the broker's event loop.
type Authenticator interface {
	Authenticate(creds Credentials) AuthDecision
}

// ActivityKind identifies which action an already-authenticated client
// is attempting.
type ActivityKind byte

const (
	ActivityConnect ActivityKind = iota
	ActivityPublish
	ActivitySubscribe
)

// Activity is one action requiring authorization, paired with the
// auth_id resolved at CONNECT time.
type Activity struct {
	Kind   ActivityKind
	AuthID string
	Topic  string
	QoS    packet.QoS
	Retain bool
}

// Authorizer decides whether an Activity may proceed. Must be
// synchronous and side-effect-free: the broker calls it inline from its
// event loop and never suspends on it.
type Authorizer interface {
	Authorize(activity Activity) AuthDecision
}

// AuthorizerUpdater is an optional capability an Authorizer may also
// implement to accept out-of-band updates (e.g. an identity-chain
// refresh) without the broker blocking its event loop on networked IO.
type AuthorizerUpdater interface {
	Update(msg any)
}

// AllowAllAuthenticator authenticates every CONNECT under its own
// client_id, for development and single-tenant deployments with no
// credential store.
type AllowAllAuthenticator struct{}

// Authenticate always allows, using the client ID as the auth_id.
func (AllowAllAuthenticator) Authenticate(creds Credentials) AuthDecision {
	return Allowed(creds.ClientID)
}

// AllowAllAuthorizer authorizes every Activity unconditionally.
type AllowAllAuthorizer struct{}

// Authorize always allows.
func (AllowAllAuthorizer) Authorize(Activity) AuthDecision { return Allowed("") }

// BasicAuthenticator validates a CONNECT's username/password against a
// fixed table, using a constant-time comparison so password length and
// content differences do not leak through timing.
type BasicAuthenticator struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewBasicAuthenticator returns an authenticator with no registered
// users; every CONNECT is Unknown until AddUser is called.
func NewBasicAuthenticator() *BasicAuthenticator {
	return &BasicAuthenticator{users: make(map[string]string)}
}

// AddUser registers or replaces a username/password pair.
func (a *BasicAuthenticator) AddUser(username, password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[username] = password
}

// RemoveUser deletes a username from the table.
func (a *BasicAuthenticator) RemoveUser(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.users, username)
}

// Authenticate checks creds.Username/Password against the table.
// Unregistered usernames are Unknown; a registered username with the
// wrong password is Forbidden.
func (a *BasicAuthenticator) Authenticate(creds Credentials) AuthDecision {
	a.mu.RLock()
	expected, exists := a.users[creds.Username]
	a.mu.RUnlock()

	if !exists {
		return Unknown()
	}
	if subtle.ConstantTimeCompare([]byte(expected), creds.Password) != 1 {
		return Forbidden("bad username or password")
	}
	return Allowed(creds.Username)
}
