// Package worker runs the boss/worker pool: a fixed table of worker
// slots fed from the connection queue, with bounded elastic growth
// under queue pressure and idle retirement for the elastic slots.
package worker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/nesta-server/nesta/internal/metrics"
	"github.com/nesta-server/nesta/internal/queue"
	"github.com/nesta-server/nesta/pkg/logger"
)

const stopTimeout = 10 * time.Second

// Status is the state of one worker slot.
type Status int32

const (
	// StatusUnused marks a slot with no worker in it.
	StatusUnused Status = iota
	// StatusSleeping marks a worker waiting on the queue.
	StatusSleeping
	// StatusRunning marks a worker serving a connection.
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusSleeping:
		return "sleep"
	case StatusRunning:
		return "run"
	default:
		return "unuse"
	}
}

// ServeFunc processes one dequeued connection on the given slot.
type ServeFunc func(slot *Slot, item queue.Item)

// Slot is one row of the worker table. Its counters feed the status
// command; they are atomics so status reads never take the table lock.
type Slot struct {
	no    int // 1-based, as shown by status
	index int

	status      atomic.Int32
	count       atomic.Uint64
	lastAccess  atomic.Int64 // microseconds since the epoch, 0 = never
	commandFlag atomic.Bool
}

// No returns the 1-based slot number.
func (s *Slot) No() int { return s.no }

// Status returns the current slot state.
func (s *Slot) Status() Status { return Status(s.status.Load()) }

// Touch stamps the last-access time and bumps the request count. The
// serve loop calls it once per handled request; control commands do
// not count themselves.
func (s *Slot) Touch() {
	s.lastAccess.Store(time.Now().UnixMicro())
	s.count.Inc()
}

// SetCommandFlag marks the slot as executing a control command, which
// the status table reports as sleep.
func (s *Slot) SetCommandFlag(on bool) {
	s.commandFlag.Store(on)
}

// SlotStatus is one row of a status snapshot.
type SlotStatus struct {
	No         int
	State      string
	LastAccess int64 // microseconds since the epoch, 0 = never
	Count      uint64
	Used       bool
}

// Pool is the worker table. min slots are spawned at start and live
// until shutdown; slots in [min,max) come and go with load.
type Pool struct {
	min           int
	max           int
	idleTimeout   time.Duration
	checkInterval time.Duration
	queue         *queue.Queue
	serve         ServeFunc

	slots []*Slot

	mu   sync.Mutex
	live int

	shutdown  *atomic.Bool
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool creates the worker table over q. serve runs every dequeued
// connection. idleTimeout and checkInterval govern elastic retirement:
// an elastic worker wakes every checkInterval and exits once it has
// been idle longer than idleTimeout.
func NewPool(q *queue.Queue, min, max int, idleTimeout, checkInterval time.Duration, serve ServeFunc) *Pool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	slots := make([]*Slot, max)
	for i := range slots {
		slots[i] = &Slot{no: i + 1, index: i}
	}
	return &Pool{
		min:           min,
		max:           max,
		idleTimeout:   idleTimeout,
		checkInterval: checkInterval,
		queue:         q,
		serve:         serve,
		slots:         slots,
		shutdown:      atomic.NewBool(false),
	}
}

// Start spawns the base workers. Safe to call more than once.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.mu.Lock()
		for i := 0; i < p.min; i++ {
			p.spawnLocked(i)
		}
		p.mu.Unlock()
		logger.Info("worker pool started: %d threads (max %d)", p.min, p.max)
	})
}

// Extend spawns a worker into the lowest unused elastic slot when
// queued work remains. The dispatcher calls it after every accept; it
// reports whether a worker was added.
func (p *Pool) Extend() bool {
	if p.queue.Empty() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown.Load() || p.live >= p.max {
		return false
	}
	for i := p.min; i < p.max; i++ {
		if p.slots[i].Status() == StatusUnused {
			p.spawnLocked(i)
			logger.Trace("worker thread extended: no=%d", i+1)
			return true
		}
	}
	return false
}

func (p *Pool) spawnLocked(i int) {
	s := p.slots[i]
	s.status.Store(int32(StatusSleeping))
	s.lastAccess.Store(time.Now().UnixMicro())
	s.commandFlag.Store(false)
	p.live++
	metrics.WorkerThreadsGauge.Set(float64(p.live))
	p.wg.Add(1)
	go p.run(s)
}

func (p *Pool) run(s *Slot) {
	defer p.wg.Done()
	elastic := s.index >= p.min

	for !p.shutdown.Load() {
		s.status.Store(int32(StatusSleeping))

		var it queue.Item
		var err error
		if elastic {
			it, err = p.queue.PopTimeout(p.checkInterval)
			if errors.Is(err, queue.ErrTimeout) {
				idle := time.Duration(time.Now().UnixMicro()-s.lastAccess.Load()) * time.Microsecond
				if idle > p.idleTimeout {
					break
				}
				continue
			}
		} else {
			it, err = p.queue.Pop()
		}
		if err != nil {
			break
		}

		s.status.Store(int32(StatusRunning))
		metrics.ActiveWorkersGauge.Inc()
		p.serve(s, it)
		metrics.ActiveWorkersGauge.Dec()
	}

	s.status.Store(int32(StatusUnused))
	s.commandFlag.Store(false)
	p.mu.Lock()
	p.live--
	metrics.WorkerThreadsGauge.Set(float64(p.live))
	p.mu.Unlock()
	if elastic && !p.shutdown.Load() {
		logger.Trace("worker thread retired: no=%d", s.no)
	}
}

// Stop closes the queue and waits for the workers to drain and exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.shutdown.Store(true)
		p.queue.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			p.wg.Wait()
		}()

		select {
		case <-done:
			logger.Info("worker pool stopped")
		case <-time.After(stopTimeout):
			logger.Warn("worker pool stop timed out after %v: %d workers still busy", stopTimeout, p.Live())
		}
	})
}

// Live returns the number of occupied slots.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Min returns the base worker count.
func (p *Pool) Min() int { return p.min }

// Max returns the slot table size.
func (p *Pool) Max() int { return p.max }

// Snapshot returns one row per slot plus the total request count. The
// total is summed under the table lock; the rows are read lock-free
// and may be slightly stale.
func (p *Pool) Snapshot() ([]SlotStatus, uint64) {
	p.mu.Lock()
	var total uint64
	for _, s := range p.slots {
		total += s.count.Load()
	}
	p.mu.Unlock()

	rows := make([]SlotStatus, len(p.slots))
	for i, s := range p.slots {
		st := s.Status()
		state := st.String()
		if st == StatusRunning && s.commandFlag.Load() {
			state = StatusSleeping.String()
		}
		rows[i] = SlotStatus{
			No:         s.no,
			State:      state,
			LastAccess: s.lastAccess.Load(),
			Count:      s.count.Load(),
			Used:       st != StatusUnused,
		}
	}
	return rows, total
}
