package health

import (
	"context"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
)

type Status string

const (
	StatusUnknown Status = "unknown"
	StatusValid   Status = "valid"
	StatusExpired Status = "expired"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultRetryInterval = 30 * time.Second
	probeTimeout         = 30 * time.Second
)

type State struct {
	Status        Status    `json:"status"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	LatencyMS     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
}

// Prober issues one lightweight authenticated call against upstream.
type Prober interface {
	ProbeAuth(ctx context.Context) error
}

// Monitor tracks upstream session validity. It is the single writer of
// the state; request handlers only read snapshots. An ambiguous probe
// failure never overwrites a previously known valid/expired status.
type Monitor struct {
	probe    Prober
	interval time.Duration
	retry    time.Duration
	poll     time.Duration
	now      func() time.Time
	authErr  func(error) bool
	log      *log.Logger

	mu      sync.RWMutex
	state   State
	forceCh chan struct{}

	subsMu sync.Mutex
	subs   map[int]chan State
	nextID int
}

// NewMonitor builds a monitor. authErr classifies probe failures as
// authentication failures; a nil authErr treats every failure as
// ambiguous.
func NewMonitor(probe Prober, interval, retry time.Duration, authErr func(error) bool, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	poll := retry
	if interval < poll {
		poll = interval
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		retry:    retry,
		poll:     poll,
		now:      time.Now,
		authErr:  authErr,
		log:      logger,
		state:    State{Status: StatusUnknown},
		forceCh:  make(chan struct{}, 1),
		subs:     map[int]chan State{},
	}
}

func (m *Monitor) Run(ctx context.Context) {
	if m == nil || m.probe == nil {
		return
	}
	m.checkOnce(ctx, true)
	t := time.NewTicker(m.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.checkOnce(ctx, false)
		case <-m.forceCh:
			m.checkOnce(ctx, true)
		}
	}
}

// Trigger requests an immediate probe outside the regular schedule.
func (m *Monitor) Trigger() {
	if m == nil {
		return
	}
	select {
	case m.forceCh <- struct{}{}:
	default:
	}
}

func (m *Monitor) Snapshot() State {
	if m == nil {
		return State{Status: StatusUnknown}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe returns a channel receiving state updates on every status
// change plus the cancel func releasing it. Slow receivers drop
// intermediate updates instead of blocking the monitor.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 4)
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subsMu.Unlock()
	cancel := func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
	return ch, cancel
}

func (m *Monitor) notify(st State) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (m *Monitor) shouldCheck(now time.Time, force bool) bool {
	if force {
		return true
	}
	m.mu.RLock()
	st := m.state
	m.mu.RUnlock()
	if st.LastCheckedAt.IsZero() {
		return true
	}
	age := now.Sub(st.LastCheckedAt)
	if age < 0 {
		age = 0
	}
	if st.Status == StatusValid {
		return age >= m.interval
	}
	return age >= m.retry
}

func (m *Monitor) checkOnce(parent context.Context, force bool) {
	now := m.now()
	if !m.shouldCheck(now, force) {
		return
	}
	ctx, cancel := context.WithTimeout(parent, probeTimeout)
	start := m.now()
	err := m.probe.ProbeAuth(ctx)
	cancel()
	latency := m.now().Sub(start).Milliseconds()

	m.mu.Lock()
	prev := m.state.Status
	next := prev
	errText := ""
	switch {
	case err == nil:
		next = StatusValid
	case m.authErr != nil && m.authErr(err):
		next = StatusExpired
		errText = err.Error()
	default:
		// Ambiguous failure keeps the last known status.
		errText = err.Error()
	}
	m.state = State{
		Status:        next,
		LastCheckedAt: m.now().UTC(),
		LatencyMS:     latency,
		Error:         errText,
	}
	st := m.state
	m.mu.Unlock()

	if next != prev {
		if m.log != nil {
			m.log.Info("upstream session status changed", "from", prev, "to", next)
		}
		m.notify(st)
	}
}
