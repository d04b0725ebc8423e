// Package session keeps per-zone HTTP session state and keeps it in
// step with the relay peers that hold copies of it.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/nesta-server/nesta/internal/relay"
)

// CookieName is the cookie that carries the session key to clients.
const CookieName = "nsid"

// Session is one client session. Attribute reads and writes are atomic
// at entry granularity; concurrent handlers may interleave but never
// observe a torn value.
type Session struct {
	mu         sync.Mutex
	key        string
	id         string
	lastUpdate int64 // microseconds
	ownerFlag  bool
	owner      relay.Peer
	ownerCopy  []relay.Peer
	attrs      map[string][]byte

	store *Store
}

func newSession(st *Store, key, id string, owned bool) *Session {
	return &Session{
		key:        key,
		id:         id,
		lastUpdate: time.Now().UnixMicro(),
		ownerFlag:  owned,
		attrs:      make(map[string][]byte),
		store:      st,
	}
}

// Key returns the session key carried in the client cookie.
func (s *Session) Key() string { return s.key }

// ID returns the session identifier shared across relay copies.
func (s *Session) ID() string { return s.id }

// LastUpdate returns the microsecond timestamp of the last mutation.
func (s *Session) LastUpdate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// Owned reports whether this peer currently owns the session.
func (s *Session) Owned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerFlag
}

// Get returns the value stored under name, or nil when absent.
func (s *Session) Get(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[name]
}

// GetString returns the value stored under name as a string.
func (s *Session) GetString(name string) string {
	return string(s.Get(name))
}

// Put stores value under name, replacing any previous value, and
// refreshes the last-update timestamp. The mutation is replicated to
// the copy-set peers when this peer owns the session.
func (s *Session) Put(name string, value []byte) {
	s.mu.Lock()
	v := make([]byte, len(value))
	copy(v, value)
	s.attrs[name] = v
	s.lastUpdate = time.Now().UnixMicro()
	s.mu.Unlock()

	s.store.replicate(s)
}

// PutString stores a string value under name.
func (s *Session) PutString(name, value string) {
	s.Put(name, []byte(value))
}

// Remove deletes the value stored under name.
func (s *Session) Remove(name string) {
	s.mu.Lock()
	delete(s.attrs, name)
	s.lastUpdate = time.Now().UnixMicro()
	s.mu.Unlock()

	s.store.replicate(s)
}

// snapshot captures the relay image of the session: timestamp and the
// attribute entries with at least one byte of value. Zero-size values
// never travel.
func (s *Session) snapshot() *relay.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *relay.Snapshot {
	entries := make([]relay.Entry, 0, len(s.attrs))
	for k, v := range s.attrs {
		if len(v) == 0 {
			continue
		}
		val := make([]byte, len(v))
		copy(val, v)
		entries = append(entries, relay.Entry{Key: k, Value: val})
	}
	return &relay.Snapshot{
		ID:         s.id,
		LastUpdate: s.lastUpdate,
		Entries:    entries,
	}
}

// install replaces the attribute image with a relayed one.
func (s *Session) install(entries []relay.Entry, lastUpdate int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs = make(map[string][]byte, len(entries))
	for _, e := range entries {
		s.attrs[e.Key] = e.Value
	}
	s.lastUpdate = lastUpdate
}

// becomeOwner marks this peer as the session owner and clears the
// hint, returning the previous owner's copy-set so the caller can
// announce the change.
func (s *Session) becomeOwner() []relay.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.ownerCopy
	s.ownerFlag = true
	s.owner = relay.Peer{}
	s.ownerCopy = nil
	return old
}

// setOwnerHint records another peer as owner and clears the local
// owner flag.
func (s *Session) setOwnerHint(owner relay.Peer, copySet []relay.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownerFlag = false
	s.owner = owner
	s.ownerCopy = copySet
}

// ownerHint returns the hinted owner and its copy-set when this peer
// does not own the session.
func (s *Session) ownerHint() (relay.Peer, []relay.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerFlag || s.owner.IsZero() {
		return relay.Peer{}, nil, false
	}
	return s.owner, s.ownerCopy, true
}

// newKey generates a random 32-hex-character identifier.
func newKey() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}
