package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/nesta-server/nesta/internal/metrics"
	"github.com/nesta-server/nesta/pkg/logger"
)

// Store holds the sessions of one application zone.
//
// maxSession caps the number of live sessions: -1 is unlimited, and a
// store is only created for zones whose max_session is not zero. The
// timeout is in seconds; -1 disables expiry.
type Store struct {
	zone       string
	maxSession int
	timeout    int

	mu       sync.RWMutex
	sessions map[string]*Session

	mgr *Manager
}

func newStore(mgr *Manager, zone string, maxSession, timeout int) *Store {
	return &Store{
		zone:       zone,
		maxSession: maxSession,
		timeout:    timeout,
		sessions:   make(map[string]*Session),
		mgr:        mgr,
	}
}

// Zone returns the zone name this store belongs to.
func (st *Store) Zone() string { return st.zone }

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Create makes a new owned session with a fresh key and identifier.
// At capacity the oldest session is evicted to make room.
func (st *Store) Create() (*Session, error) {
	s := newSession(st, newKey(), newKey(), true)

	st.mu.Lock()
	if st.maxSession > 0 && len(st.sessions) >= st.maxSession {
		if victim := st.oldestLocked(); victim != nil {
			delete(st.sessions, victim.key)
			metrics.SessionsGauge.Dec()
		} else {
			st.mu.Unlock()
			return nil, fmt.Errorf("zone %s: session table full (%d)", st.zone, st.maxSession)
		}
	}
	st.sessions[s.key] = s
	st.mu.Unlock()

	metrics.SessionsGauge.Inc()
	st.replicate(s)
	return s, nil
}

// Get returns the session stored under key, or nil. When this peer
// holds only a copy, ownership is first requested from the hinted
// owner so the caller always works on fresh state; if the owner cannot
// be reached the local copy is served.
func (st *Store) Get(key string) *Session {
	st.mu.RLock()
	s := st.sessions[key]
	st.mu.RUnlock()
	if s == nil {
		return nil
	}
	if st.mgr != nil {
		st.mgr.chaseOwnership(st, s)
	}
	return s
}

// lookup returns the session without touching ownership. The relay
// handlers use it; request traffic goes through Get.
func (st *Store) lookup(key string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[key]
}

// Delete removes the session under key and tells the copy-set peers to
// do the same. Deleting an absent key is a no-op.
func (st *Store) Delete(key string) {
	st.mu.Lock()
	_, ok := st.sessions[key]
	delete(st.sessions, key)
	st.mu.Unlock()

	if !ok {
		return
	}
	metrics.SessionsGauge.Dec()
	if st.mgr != nil {
		st.mgr.broadcastDelete(st.zone, key)
	}
}

// removeLocal drops the session without notifying peers. The relay DS
// handler uses it, since the notification is what is being handled.
func (st *Store) removeLocal(key string) {
	st.mu.Lock()
	_, ok := st.sessions[key]
	delete(st.sessions, key)
	st.mu.Unlock()
	if ok {
		metrics.SessionsGauge.Dec()
	}
}

// getOrCreateCopy returns the session under key, creating it as a
// non-owned copy with the relayed identifier when absent.
func (st *Store) getOrCreateCopy(key, sid string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[key]; ok {
		return s
	}
	if st.maxSession > 0 && len(st.sessions) >= st.maxSession {
		if victim := st.oldestLocked(); victim != nil {
			delete(st.sessions, victim.key)
			metrics.SessionsGauge.Dec()
		}
	}
	s := newSession(st, key, sid, false)
	st.sessions[key] = s
	metrics.SessionsGauge.Inc()
	return s
}

// Expire evicts sessions whose last update is older than the zone
// timeout. A timeout of -1 never evicts. It returns the number of
// evicted sessions.
func (st *Store) Expire(now time.Time) int {
	if st.timeout < 0 {
		return 0
	}
	limit := now.UnixMicro() - int64(st.timeout)*1e6

	st.mu.RLock()
	var stale []string
	for key, s := range st.sessions {
		if s.LastUpdate() < limit {
			stale = append(stale, key)
		}
	}
	st.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}
	st.mu.Lock()
	evicted := 0
	for _, key := range stale {
		if s, ok := st.sessions[key]; ok && s.LastUpdate() < limit {
			delete(st.sessions, key)
			evicted++
		}
	}
	st.mu.Unlock()

	if evicted > 0 {
		metrics.SessionsGauge.Sub(float64(evicted))
		logger.Trace("zone %s: %d sessions expired.", st.zone, evicted)
	}
	return evicted
}

// oldestLocked returns the session with the oldest last update.
// Callers hold the store lock.
func (st *Store) oldestLocked() *Session {
	var victim *Session
	var oldest int64
	for _, s := range st.sessions {
		ts := s.LastUpdate()
		if victim == nil || ts < oldest {
			victim = s
			oldest = ts
		}
	}
	return victim
}

// replicate pushes the session image to the copy-set peers when this
// peer owns it.
func (st *Store) replicate(s *Session) {
	if st.mgr == nil || !s.Owned() {
		return
	}
	st.mgr.broadcastCopy(st.zone, s)
}
