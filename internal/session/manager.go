package session

import (
	"sync"
	"time"

	"github.com/nesta-server/nesta/internal/relay"
	"github.com/nesta-server/nesta/pkg/logger"
)

const (
	sweepInterval = time.Minute
	taskQueueSize = 256
)

// RelayOptions describes this peer's place in the session relay
// cluster: its own coordinates and the peers it copies sessions to.
type RelayOptions struct {
	Self          relay.Peer
	CopySet       []relay.Peer
	CheckInterval time.Duration
}

// relayTask is one outbound relay call executed by the distributor.
type relayTask struct {
	peer relay.Peer
	name string
	send func(peer relay.Peer) error
}

// Manager owns the session stores of every zone. With relay options it
// also implements the relay Backend, chases hinted owners on reads,
// and distributes copies, deletes and owner changes to the copy-set
// in the background.
type Manager struct {
	self    relay.Peer
	copySet []relay.Peer
	client  *relay.Client
	health  *relay.Health

	mu     sync.RWMutex
	stores map[string]*Store

	tasks     chan relayTask
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates a session manager. A nil opts runs sessions
// purely locally, which is how a configuration without a session
// relay host behaves.
func NewManager(opts *RelayOptions) *Manager {
	m := &Manager{
		stores: make(map[string]*Store),
		stopCh: make(chan struct{}),
	}
	if opts != nil {
		m.self = opts.Self
		m.copySet = opts.CopySet
		m.client = relay.NewClient()
		m.health = relay.NewHealth(m.client, opts.CopySet, opts.CheckInterval)
		m.tasks = make(chan relayTask, taskQueueSize)
	}
	return m
}

// AddZone creates the session store for a zone. Zones with
// max_session zero run without sessions and get no store.
func (m *Manager) AddZone(zone string, maxSession, timeout int) *Store {
	if maxSession == 0 {
		return nil
	}
	st := newStore(m, zone, maxSession, timeout)
	m.mu.Lock()
	m.stores[zone] = st
	m.mu.Unlock()
	return st
}

// Store returns the session store of a zone, or nil.
func (m *Manager) Store(zone string) *Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stores[zone]
}

// Relayed reports whether this manager replicates sessions to peers.
func (m *Manager) Relayed() bool {
	return m.client != nil
}

// Self returns this peer's relay coordinates.
func (m *Manager) Self() relay.Peer { return m.self }

// CopySet returns the peers sessions are copied to.
func (m *Manager) CopySet() []relay.Peer { return m.copySet }

// Start launches the expiry sweeper, and with relay enabled the copy
// distributor and the peer health checker.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.sweeper()
		if m.tasks != nil {
			m.wg.Add(1)
			go m.distributor()
		}
		if m.health != nil {
			m.health.Start()
		}
	})
}

// Stop ends the background goroutines and waits for them.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.health != nil {
			m.health.Stop()
		}
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.RLock()
			stores := make([]*Store, 0, len(m.stores))
			for _, st := range m.stores {
				stores = append(stores, st)
			}
			m.mu.RUnlock()
			for _, st := range stores {
				st.Expire(now)
			}
		case <-m.stopCh:
			return
		}
	}
}

// distributor drains the relay task queue. Replication is best
// effort: failures are logged and the local state stays authoritative.
func (m *Manager) distributor() {
	defer m.wg.Done()
	for {
		select {
		case task := <-m.tasks:
			if m.health != nil && !m.health.Alive(task.peer) {
				logger.Trace("session relay: skipping %s to down peer %s", task.name, task.peer)
				continue
			}
			if err := task.send(task.peer); err != nil {
				logger.Warn("session relay: %s to %s: %v", task.name, task.peer, err)
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) enqueue(task relayTask) {
	if m.tasks == nil {
		return
	}
	select {
	case m.tasks <- task:
	default:
		logger.Warn("session relay: replication queue full, dropping %s for %s", task.name, task.peer)
	}
}

// chaseOwnership requests the session from its hinted owner so this
// peer serves fresh state. On success this peer becomes the owner and
// the previous owner's copy holders are told about the change. On
// failure the local copy is served as is.
func (m *Manager) chaseOwnership(st *Store, s *Session) {
	if m.client == nil {
		return
	}
	owner, _, ok := s.ownerHint()
	if !ok {
		return
	}
	snap, err := m.client.RequestSession(owner, st.zone, s.key, m.self, m.copySet)
	if err != nil {
		logger.Warn("session relay: request session from %s: %v (serving local copy)", owner, err)
		return
	}
	s.install(snap.Entries, snap.LastUpdate)
	oldCopy := s.becomeOwner()

	zone, key := st.zone, s.key
	for _, p := range oldCopy {
		if p == m.self {
			continue
		}
		peer := p
		m.enqueue(relayTask{
			peer: peer,
			name: "change owner",
			send: func(target relay.Peer) error {
				return m.client.ChangeOwner(target, zone, key, m.self, m.copySet)
			},
		})
	}
}

// broadcastCopy pushes the session image to every copy-set peer.
func (m *Manager) broadcastCopy(zone string, s *Session) {
	if m.client == nil || len(m.copySet) == 0 {
		return
	}
	snap := s.snapshot()
	snap.Owner = m.self
	snap.CopySet = m.copySet
	key := s.key
	for _, p := range m.copySet {
		m.enqueue(relayTask{
			peer: p,
			name: "copy session",
			send: func(target relay.Peer) error {
				return m.client.CopySession(target, zone, key, snap)
			},
		})
	}
}

// broadcastDelete tells every copy-set peer to drop the session.
func (m *Manager) broadcastDelete(zone, key string) {
	if m.client == nil {
		return
	}
	for _, p := range m.copySet {
		m.enqueue(relayTask{
			peer: p,
			name: "delete session",
			send: func(target relay.Peer) error {
				return m.client.DeleteSession(target, zone, key)
			},
		})
	}
}

// RequestSession implements the relay Backend: another peer is taking
// ownership of a session held here. When this peer holds only a copy
// the state is first pulled from the hinted owner, so the requester
// always receives the freshest image available.
func (m *Manager) RequestSession(zone, key string, newOwner relay.Peer, copySet []relay.Peer) (*relay.Snapshot, error) {
	st := m.Store(zone)
	if st == nil {
		logger.Error("session relay: not found zone(%s).", zone)
		return nil, relay.ErrNotFound
	}
	s := st.lookup(key)
	if s == nil {
		return nil, relay.ErrNotFound
	}
	m.chaseOwnership(st, s)

	snap := s.snapshot()
	s.setOwnerHint(newOwner, copySet)
	return snap, nil
}

// ChangeOwner implements the relay Backend: record the new owner of a
// session held here as a copy.
func (m *Manager) ChangeOwner(zone, key string, newOwner relay.Peer, copySet []relay.Peer) error {
	st := m.Store(zone)
	if st == nil {
		logger.Error("session relay: not found zone(%s).", zone)
		return relay.ErrNotFound
	}
	s := st.lookup(key)
	if s == nil {
		return relay.ErrNotFound
	}
	s.setOwnerHint(newOwner, copySet)
	return nil
}

// QueryTimestamp implements the relay Backend, consulting the hinted
// owner when this peer holds only a copy.
func (m *Manager) QueryTimestamp(zone, key string) (int64, error) {
	st := m.Store(zone)
	if st == nil {
		logger.Error("session relay: not found zone(%s).", zone)
		return 0, relay.ErrNotFound
	}
	s := st.lookup(key)
	if s == nil {
		return 0, relay.ErrNotFound
	}
	ts := s.LastUpdate()
	if owner, _, ok := s.ownerHint(); ok && m.client != nil {
		if rts, err := m.client.QueryTimestamp(owner, zone, key); err == nil {
			ts = rts
		} else {
			logger.Warn("session relay: query timestamp from %s: %v (using local)", owner, err)
		}
	}
	return ts, nil
}

// DeleteSession implements the relay Backend. Deleting an absent
// session is a no-op, so repeated deletes are harmless.
func (m *Manager) DeleteSession(zone, key string) error {
	st := m.Store(zone)
	if st == nil {
		logger.Error("session relay: not found zone(%s).", zone)
		return relay.ErrNotFound
	}
	st.removeLocal(key)
	return nil
}

// CopySession implements the relay Backend: install a full session
// image pushed by its owner. The local copy never claims ownership.
func (m *Manager) CopySession(zone, key string, snap *relay.Snapshot) error {
	st := m.Store(zone)
	if st == nil {
		logger.Error("session relay: not found zone(%s).", zone)
		return relay.ErrNotFound
	}
	s := st.getOrCreateCopy(key, snap.ID)
	s.install(snap.Entries, snap.LastUpdate)
	s.setOwnerHint(snap.Owner, snap.CopySet)
	return nil
}
