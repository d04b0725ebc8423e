package relay

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/projectdiscovery/gcache"

	"github.com/nesta-server/nesta/pkg/logger"
)

const (
	dialTimeout  = 3 * time.Second
	ioTimeout    = 10 * time.Second
	resolveTTL   = 5 * time.Minute
	resolveCache = 128
)

// Client speaks the relay protocol to other peers. Every call is one
// dial / one command / one close; the protocol has no connection
// reuse. Hostname resolution results are cached so broadcasts do not
// hit the resolver for every session mutation.
type Client struct {
	addrs gcache.Cache[string, string]
}

// NewClient creates a relay client.
func NewClient() *Client {
	return &Client{
		addrs: gcache.New[string, string](resolveCache).
			LRU().
			Build(),
	}
}

// Resolve returns the numeric address for a hostname, consulting the
// cache first. Numeric addresses pass through untouched.
func (c *Client) Resolve(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	if addr, err := c.addrs.Get(host); err == nil {
		return addr, nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return "", fmt.Errorf("session relay: resolve %s: %w", host, err)
	}
	if err := c.addrs.SetWithExpire(host, addrs[0], resolveTTL); err != nil {
		logger.Warn("session relay: address cache: %v", err)
	}
	return addrs[0], nil
}

func (c *Client) dial(p Peer) (net.Conn, error) {
	host, err := c.Resolve(p.Host)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", p.Port)), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("session relay: dial %s: %w", p, err)
	}
	conn.SetDeadline(time.Now().Add(ioTimeout))
	return conn, nil
}

// Hello probes a peer. A healthy peer answers "OK".
func (c *Client) Hello(p Peer) error {
	conn, err := c.dial(p)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(CmdHello)); err != nil {
		return fmt.Errorf("session relay: hello %s: %w", p, err)
	}
	var reply [2]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("session relay: hello %s: %w", p, err)
	}
	if string(reply[:]) != "OK" {
		return fmt.Errorf("%w: hello reply %q from %s", ErrProtocol, reply[:], p)
	}
	return nil
}

// RequestSession asks the hinted owner p to hand over the session.
// newOwner and copySet are the coordinates the remote peer records as
// the session's new owner. The reply carries the full session state.
func (c *Client) RequestSession(p Peer, zone, key string, newOwner Peer, copySet []Peer) (*Snapshot, error) {
	conn, err := c.dial(p)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(CmdRequestSession); err != nil {
		return nil, err
	}
	if err := writeString(w, zone); err != nil {
		return nil, err
	}
	if err := writeString(w, key); err != nil {
		return nil, err
	}
	if err := writeString(w, newOwner.Host); err != nil {
		return nil, err
	}
	if err := writeUint16(w, uint16(newOwner.Port)); err != nil {
		return nil, err
	}
	if err := writeCopySet(w, copySet); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("session relay: request session to %s: %w", p, err)
	}

	r := bufio.NewReader(conn)
	ts, err := readInt64(r)
	if err != nil {
		return nil, fmt.Errorf("session relay: request session reply from %s: %w", p, err)
	}
	entries, err := readEntries(r)
	if err != nil {
		return nil, fmt.Errorf("session relay: request session reply from %s: %w", p, err)
	}
	return &Snapshot{LastUpdate: ts, Entries: entries}, nil
}

// ChangeOwner tells a peer holding a copy that newOwner now owns the
// session. There is no reply.
func (c *Client) ChangeOwner(p Peer, zone, key string, newOwner Peer, copySet []Peer) error {
	conn, err := c.dial(p)
	if err != nil {
		return err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(CmdChangeOwner); err != nil {
		return err
	}
	if err := writeString(w, zone); err != nil {
		return err
	}
	if err := writeString(w, key); err != nil {
		return err
	}
	if err := writeString(w, newOwner.Host); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(newOwner.Port)); err != nil {
		return err
	}
	if err := writeCopySet(w, copySet); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("session relay: change owner to %s: %w", p, err)
	}
	return nil
}

// QueryTimestamp asks a peer for the session's last-update timestamp.
func (c *Client) QueryTimestamp(p Peer, zone, key string) (int64, error) {
	conn, err := c.dial(p)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(CmdQueryTimestamp); err != nil {
		return 0, err
	}
	if err := writeString(w, zone); err != nil {
		return 0, err
	}
	if err := writeString(w, key); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("session relay: query timestamp to %s: %w", p, err)
	}

	ts, err := readInt64(conn)
	if err != nil {
		return 0, fmt.Errorf("session relay: timestamp reply from %s: %w", p, err)
	}
	return ts, nil
}

// DeleteSession asks a peer to drop the session. There is no reply.
func (c *Client) DeleteSession(p Peer, zone, key string) error {
	conn, err := c.dial(p)
	if err != nil {
		return err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(CmdDeleteSession); err != nil {
		return err
	}
	if err := writeString(w, zone); err != nil {
		return err
	}
	if err := writeString(w, key); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("session relay: delete session to %s: %w", p, err)
	}
	return nil
}

// CopySession pushes a full session image to a peer. The snapshot
// carries the owner coordinates the receiver should hint at, the
// owner's copy-set, the timestamp and the pre-filtered entries. There
// is no reply.
func (c *Client) CopySession(p Peer, zone, key string, snap *Snapshot) error {
	conn, err := c.dial(p)
	if err != nil {
		return err
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(CmdCopySession); err != nil {
		return err
	}
	if err := writeString(w, zone); err != nil {
		return err
	}
	if err := writeString(w, key); err != nil {
		return err
	}
	if err := writeString(w, snap.ID); err != nil {
		return err
	}
	if err := writeString(w, snap.Owner.Host); err != nil {
		return err
	}
	if err := writeUint16(w, uint16(snap.Owner.Port)); err != nil {
		return err
	}
	if err := writeCopySet(w, snap.CopySet); err != nil {
		return err
	}
	if err := writeInt64(w, snap.LastUpdate); err != nil {
		return err
	}
	if err := writeEntries(w, snap.Entries); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("session relay: copy session to %s: %w", p, err)
	}
	return nil
}
