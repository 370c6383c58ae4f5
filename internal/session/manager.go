package session

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/kubepane/kubepane/internal/gateway"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Gateway is handed to every session. Required.
	Gateway gateway.Gateway

	// Guard is handed to every session. Optional.
	Guard Guard

	// Logger defaults to logr.Discard.
	Logger logr.Logger

	// SnapshotCacheSize bounds the last-known snapshot cache. Zero means 256.
	SnapshotCacheSize int

	// SnapshotTTL bounds how long a cached snapshot may seed a new session.
	// Zero means 30 seconds.
	SnapshotTTL time.Duration
}

type cachedSnapshot struct {
	obj   *unstructured.Unstructured
	token string
}

// managedSession pairs a session with its one-time initialization result so
// concurrent Open calls for the same identity share a single Initialize.
// ready is closed once initErr is set.
type managedSession struct {
	session *Session
	ready   chan struct{}
	initErr error
}

// Manager enforces the one-session-per-identity policy: while a session for
// an identity is open, every Open call returns that same session. Closed
// sessions leave their last canonical snapshot behind in an expiring cache
// so a quick re-open can seed without another fetch.
type Manager struct {
	gw    gateway.Gateway
	guard Guard
	log   logr.Logger

	mu        sync.Mutex
	sessions  map[gateway.Identity]*managedSession
	snapshots *expirable.LRU[string, cachedSnapshot]
}

// NewManager creates a Manager.
func NewManager(opts ManagerOptions) *Manager {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	size := opts.SnapshotCacheSize
	if size <= 0 {
		size = 256
	}
	ttl := opts.SnapshotTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &Manager{
		gw:        opts.Gateway,
		guard:     opts.Guard,
		log:       log,
		sessions:  make(map[gateway.Identity]*managedSession),
		snapshots: expirable.NewLRU[string, cachedSnapshot](size, nil, ttl),
	}
}

// Open returns the session for id, creating and initializing one if none is
// open. Concurrent Opens for one identity share a single initialization:
// latecomers block until it resolves and observe its error. A freshly cached
// snapshot seeds the new session in place of the initial fetch; the change
// stream reconciles any staleness.
func (m *Manager) Open(ctx context.Context, id gateway.Identity) (*Session, error) {
	m.mu.Lock()
	if h, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		<-h.ready
		if h.initErr != nil {
			return nil, h.initErr
		}
		return h.session, nil
	}

	opts := Options{
		Gateway: m.gw,
		Guard:   m.guard,
		Logger:  m.log,
	}
	if cached, ok := m.snapshots.Get(id.String()); ok {
		opts.Seed = cached.obj
		opts.SeedToken = cached.token
	}
	h := &managedSession{session: New(id, opts), ready: make(chan struct{})}
	m.sessions[id] = h
	m.mu.Unlock()

	h.initErr = h.session.Initialize(ctx)
	if h.initErr != nil {
		// Drop the entry before releasing waiters so no caller is handed a
		// session that never initialized.
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}
	close(h.ready)

	if h.initErr != nil {
		return nil, h.initErr
	}
	return h.session, nil
}

// Get returns the open session for id, if any. A session still initializing
// is not reported.
func (m *Manager) Get(id gateway.Identity) (*Session, bool) {
	m.mu.Lock()
	h, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-h.ready:
	default:
		return nil, false
	}
	if h.initErr != nil {
		return nil, false
	}
	return h.session, true
}

// Close tears down the session for id. Its canonical snapshot is kept in
// the seed cache. Closing an identity with no open session is a no-op; a
// close racing an in-flight Open waits for the initialization to resolve.
func (m *Manager) Close(id gateway.Identity) {
	m.mu.Lock()
	h, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	<-h.ready
	if h.initErr != nil {
		return
	}

	s := h.session
	if snap := s.CanonicalSnapshot(); snap != nil && !s.ServerDeleted() {
		m.snapshots.Add(id.String(), cachedSnapshot{obj: snap, token: s.VersionToken()})
	}
	s.Close()
	m.log.V(1).Info("session closed", "identity", id.String())
}

// CloseAll tears down every open session. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[gateway.Identity]*managedSession)
	m.mu.Unlock()

	for _, h := range sessions {
		<-h.ready
		if h.initErr == nil {
			h.session.Close()
		}
	}
}
