// Package relay replicates session state between cluster peers.
//
// Peers exchange single-command TCP conversations. A command is two
// ASCII bytes followed by command-specific fields; all integers travel
// big-endian and strings are prefixed with a 16-bit length:
//
//	HS  health probe, answered with "OK"
//	RS  transfer session ownership to the requesting peer
//	CO  announce a new owner for a session held here as a copy
//	QT  query a session's last-update timestamp
//	DS  delete a session
//	CS  install a full session copy
//
// A peer that cannot satisfy a command closes the connection without a
// reply; clients treat the failed read as the error signal.
package relay

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Command codes on the wire.
const (
	CmdHello          = "HS"
	CmdRequestSession = "RS"
	CmdChangeOwner    = "CO"
	CmdQueryTimestamp = "QT"
	CmdDeleteSession  = "DS"
	CmdCopySession    = "CS"
)

// Wire bounds. Strings longer than these are protocol errors.
const (
	MaxZoneName   = 64
	MaxSessionKey = 128
	MaxSessionID  = 64
	MaxHostname   = 255
	MaxHashKey    = 128
	MaxCopyPeers  = 16
)

var (
	// ErrProtocol is returned for malformed frames: zero-length
	// strings, oversized fields, or a copy-set entry with port 0.
	ErrProtocol = errors.New("session relay protocol error")

	// ErrNotFound is returned by a backend when the zone or session a
	// command names does not exist here.
	ErrNotFound = errors.New("session not found")
)

// Peer identifies one relay endpoint in the cluster.
type Peer struct {
	Host string
	Port int
}

// Addr returns the dialable host:port form.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// IsZero reports whether the peer is unset.
func (p Peer) IsZero() bool {
	return p.Host == "" && p.Port == 0
}

func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Entry is one session attribute carried on the wire. Values are
// always at least one byte; zero-size values are never transferred.
type Entry struct {
	Key   string
	Value []byte
}

// Snapshot is the relayed image of a session: its identifier, the
// owner coordinates it should hint at, the owner's copy-set, the
// last-update timestamp in microseconds, and the attribute entries.
type Snapshot struct {
	ID         string
	Owner      Peer
	CopySet    []Peer
	LastUpdate int64
	Entries    []Entry
}

// Backend is the session state a relay server operates on. The relay
// side stays protocol-only; zone lookup, ownership bookkeeping and
// chasing a hinted owner live behind this interface.
type Backend interface {
	// RequestSession hands ownership of the session to newOwner and
	// returns the full state. ErrNotFound when the zone or session is
	// unknown here.
	RequestSession(zone, key string, newOwner Peer, copySet []Peer) (*Snapshot, error)

	// ChangeOwner records newOwner as the session's owner hint and
	// clears the local owner flag.
	ChangeOwner(zone, key string, newOwner Peer, copySet []Peer) error

	// QueryTimestamp returns the session's last-update timestamp,
	// consulting the hinted owner when this peer holds only a copy.
	QueryTimestamp(zone, key string) (int64, error)

	// DeleteSession removes the session. Deleting an absent session is
	// not an error.
	DeleteSession(zone, key string) error

	// CopySession installs a full session image as a non-owned copy,
	// creating the session when it does not exist yet.
	CopySession(zone, key string, snap *Snapshot) error
}
