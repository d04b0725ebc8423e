package relay

import (
	"encoding/binary"
	"fmt"
	"io"
)

// readUint16 reads one big-endian 16-bit integer.
func readUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// readInt64 reads one big-endian 64-bit integer.
func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func writeInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

// readString reads a length-prefixed string. Lengths below one or
// above max are protocol errors.
func readString(r io.Reader, max int) (string, error) {
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	if n < 1 || int(n) > max {
		return "", fmt.Errorf("%w: string length %d out of range (max %d)", ErrProtocol, n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeString(w io.Writer, s string) error {
	if len(s) < 1 || len(s) > 0xffff {
		return fmt.Errorf("%w: string length %d out of range", ErrProtocol, len(s))
	}
	if err := writeUint16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// readBytes reads a length-prefixed byte value. Values below one byte
// are protocol errors; session attributes never travel empty.
func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("%w: zero-size value", ErrProtocol)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeBytes(w io.Writer, b []byte) error {
	if len(b) < 1 || len(b) > 0xffff {
		return fmt.Errorf("%w: value length %d out of range", ErrProtocol, len(b))
	}
	if err := writeUint16(w, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readCopySet reads a peer list: a 16-bit count followed by hostname
// and port pairs. A port of zero is a protocol error.
func readCopySet(r io.Reader) ([]Peer, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if int(n) > MaxCopyPeers {
		return nil, fmt.Errorf("%w: copy-set count %d exceeds %d", ErrProtocol, n, MaxCopyPeers)
	}
	peers := make([]Peer, 0, n)
	for i := 0; i < int(n); i++ {
		host, err := readString(r, MaxHostname)
		if err != nil {
			return nil, err
		}
		port, err := readUint16(r)
		if err != nil {
			return nil, err
		}
		if port == 0 {
			return nil, fmt.Errorf("%w: copy-set port 0", ErrProtocol)
		}
		peers = append(peers, Peer{Host: host, Port: int(port)})
	}
	return peers, nil
}

func writeCopySet(w io.Writer, peers []Peer) error {
	if len(peers) > MaxCopyPeers {
		return fmt.Errorf("%w: copy-set count %d exceeds %d", ErrProtocol, len(peers), MaxCopyPeers)
	}
	if err := writeUint16(w, uint16(len(peers))); err != nil {
		return err
	}
	for _, p := range peers {
		if err := writeString(w, p.Host); err != nil {
			return err
		}
		if p.Port <= 0 || p.Port > 0xffff {
			return fmt.Errorf("%w: copy-set port %d out of range", ErrProtocol, p.Port)
		}
		if err := writeUint16(w, uint16(p.Port)); err != nil {
			return err
		}
	}
	return nil
}

// writeEntries sends the attribute image of a session: a count
// followed by key and value pairs. Zero-size values are skipped and
// excluded from the count, which is why callers pass a pre-filtered
// slice.
func writeEntries(w io.Writer, entries []Entry) error {
	if err := writeUint16(w, uint16(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if len(e.Key) < 1 || len(e.Key) > MaxHashKey {
			return fmt.Errorf("%w: attribute key length %d out of range", ErrProtocol, len(e.Key))
		}
		if err := writeString(w, e.Key); err != nil {
			return err
		}
		if err := writeBytes(w, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func readEntries(r io.Reader) ([]Entry, error) {
	n, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, n)
	for i := 0; i < int(n); i++ {
		key, err := readString(r, MaxHashKey)
		if err != nil {
			return nil, err
		}
		value, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: key, Value: value})
	}
	return entries, nil
}
