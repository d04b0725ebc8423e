package relay

import (
	"sync"
	"time"

	"github.com/nesta-server/nesta/pkg/logger"
)

// Health probes copy-set peers with HS commands on a fixed interval.
// Peers that stop answering are skipped by session broadcasts until
// they answer again; both transitions are logged.
type Health struct {
	client   *Client
	peers    []Peer
	interval time.Duration

	mu    sync.RWMutex
	alive map[string]bool

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewHealth creates a health checker for the given copy-set peers.
// Peers start out assumed alive; the first probe round corrects that.
func NewHealth(client *Client, peers []Peer, interval time.Duration) *Health {
	alive := make(map[string]bool, len(peers))
	for _, p := range peers {
		alive[p.Addr()] = true
	}
	return &Health{
		client:   client,
		peers:    peers,
		interval: interval,
		alive:    alive,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop. It does nothing when there are no
// peers to watch.
func (h *Health) Start() {
	if len(h.peers) == 0 {
		return
	}
	h.startOnce.Do(func() {
		h.wg.Add(1)
		go h.run()
	})
}

// Stop ends the probe loop and waits for it.
func (h *Health) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()
}

// Alive reports whether the peer answered its last probe.
func (h *Health) Alive(p Peer) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	alive, ok := h.alive[p.Addr()]
	return !ok || alive
}

func (h *Health) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.probeAll()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Health) probeAll() {
	for _, p := range h.peers {
		err := h.client.Hello(p)

		h.mu.Lock()
		was := h.alive[p.Addr()]
		now := err == nil
		h.alive[p.Addr()] = now
		h.mu.Unlock()

		if was && !now {
			logger.Warn("session relay: peer %s is not responding, skipping it: %v", p, err)
		} else if !was && now {
			logger.Info("session relay: peer %s is back", p)
		}
	}
}
