package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store            Store
	AssignedIDPrefix string
}

// Manager owns every live Session by ClientID and the Store used to
// persist the persistent ones across restarts. It is driven entirely by
// the broker's single event-loop goroutine: CreateOrResume and Disconnect
// are called synchronously from CONNECT/DISCONNECT handling, and
// ExpireOffline is called once per broker tick, so Manager carries no
// lock and runs no background goroutine of its own. Disconnect and
// ExpireOffline hand the will message back to the caller rather than
// publishing it themselves, since routing a will is a broker-core
// concern (it may fan out to other sessions' queues).
type Manager struct {
	store            Store
	sessions         map[string]*Session
	assignedIDPrefix string
}

// NewManager creates a session manager backed by store.
func NewManager(config ManagerConfig) *Manager {
	if config.AssignedIDPrefix == "" {
		config.AssignedIDPrefix = "auto-"
	}
	return &Manager{
		store:            config.Store,
		sessions:         make(map[string]*Session),
		assignedIDPrefix: config.AssignedIDPrefix,
	}
}

// CreateOrResume implements the CONNECT session-present logic: a clean
// session always starts fresh; otherwise a session still in memory is
// resumed in place, or else a persisted snapshot is resumed if one
// exists. A loaded snapshot is not checked against ExpiryInterval, since
// a Snapshot records no disconnect time. Reports sessionPresent per MQTT
// 3.1.1 §3.2.2.2.
func (m *Manager) CreateOrResume(ctx context.Context, clientID string, cleanSession bool, expiryInterval uint32) (sess *Session, sessionPresent bool, err error) {
	if existing, ok := m.sessions[clientID]; ok {
		if cleanSession {
			existing.Reset()
			existing.CleanSession = true
			existing.ExpiryInterval = expiryInterval
			existing.State = StateTransient
			return existing, false, nil
		}
		// A non-clean CONNECT for a ClientId already in memory resumes
		// it in place, whether it was Offline (a genuine reconnect) or
		// still StatePersistent (a takeover racing its own
		// InConnectionLost): subscriptions and queued/in-flight state
		// carry over, so session_present is true either way.
		existing.CleanSession = false
		existing.ExpiryInterval = expiryInterval
		existing.State = StatePersistent
		existing.Touch()
		return existing, true, nil
	}

	if !cleanSession && m.store != nil {
		snap, err := m.store.Load(ctx, clientID)
		if err == nil {
			sess := FromSnapshot(snap)
			sess.State = StatePersistent
			sess.Touch()
			m.sessions[clientID] = sess
			return sess, true, nil
		}
		if err != ErrNotFound {
			return nil, false, err
		}
	}

	sess = New(clientID, cleanSession, expiryInterval)
	m.sessions[clientID] = sess
	return sess, false, nil
}

// Get returns the live session for clientID, if connected or offline in
// memory.
func (m *Manager) Get(clientID string) (*Session, bool) {
	sess, ok := m.sessions[clientID]
	return sess, ok
}

// Disconnect transitions a session out of the connected state. Transient
// sessions are destroyed outright; persistent sessions go Offline and,
// if a store is configured, are snapshotted so they survive a restart.
// Reports whether the will message should fire.
func (m *Manager) Disconnect(ctx context.Context, clientID string, graceful bool) (shouldPublishWill bool, will *WillMessage, err error) {
	sess, ok := m.sessions[clientID]
	if !ok {
		return false, nil, nil
	}

	shouldPublishWill = sess.ShouldPublishWill(graceful)
	will = sess.Will

	if sess.CleanSession {
		delete(m.sessions, clientID)
		if m.store != nil {
			_ = m.store.Delete(ctx, clientID)
		}
		return shouldPublishWill, will, nil
	}

	sess.GoOffline()
	if m.store != nil {
		if err := m.store.Save(ctx, sess.ToSnapshot()); err != nil {
			return shouldPublishWill, will, err
		}
	}
	return shouldPublishWill, will, nil
}

// Remove deletes a session outright, from memory and from the store.
func (m *Manager) Remove(ctx context.Context, clientID string) error {
	delete(m.sessions, clientID)
	if m.store == nil {
		return nil
	}
	return m.store.Delete(ctx, clientID)
}

// ExpireOffline scans in-memory offline sessions and evicts the ones
// past their ExpiryInterval, returning the wills that still need
// publishing. Intended to be called once per broker housekeeping tick,
// not on every packet.
func (m *Manager) ExpireOffline(ctx context.Context) []*WillMessage {
	now := time.Now()
	var wills []*WillMessage
	for clientID, sess := range m.sessions {
		if sess.State != StateOffline || !sess.IsExpired(now) {
			continue
		}
		if sess.Will != nil {
			wills = append(wills, sess.Will)
		}
		delete(m.sessions, clientID)
		if m.store != nil {
			_ = m.store.Delete(ctx, clientID)
		}
	}
	return wills
}

// GenerateClientID produces a ClientId not already present in the store,
// for CONNECT packets that omit one (MQTT 3.1.1 §3.1.3.1).
func (m *Manager) GenerateClientID(ctx context.Context) (string, error) {
	for i := 0; i < 10; i++ {
		b := make([]byte, 16)
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		clientID := m.assignedIDPrefix + hex.EncodeToString(b)

		if _, ok := m.sessions[clientID]; ok {
			continue
		}
		if m.store != nil {
			exists, err := m.store.Exists(ctx, clientID)
			if err != nil {
				return "", err
			}
			if exists {
				continue
			}
		}
		return clientID, nil
	}
	return "", ErrAlreadyExists
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// Count returns the number of sessions currently tracked in memory.
func (m *Manager) Count() int { return len(m.sessions) }

// ClientIDs returns every client ID currently tracked in memory.
func (m *Manager) ClientIDs() []string {
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}
