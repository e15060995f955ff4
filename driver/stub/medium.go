package stub

import (
	"sync"
	"time"

	proto "github.com/ystepanoff/nowcomm/protocol"
)

// LossFunc decides whether a datagram is lost in the air. Returning true
// makes the send complete with a failure and nothing is delivered.
type LossFunc func(from, to proto.PeerAddress, tag proto.Tag) bool

// Medium is the shared air stub drivers transmit through.
type Medium struct {
	mu      sync.RWMutex
	nodes   map[proto.PeerAddress]*Driver
	latency time.Duration
	loss    LossFunc
}

func NewMedium() *Medium {
	return &Medium{nodes: make(map[proto.PeerAddress]*Driver)}
}

// SetLatency delays every delivery and completion by d.
func (m *Medium) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// SetLoss installs a loss model; nil restores a perfect medium.
func (m *Medium) SetLoss(fn LossFunc) {
	m.mu.Lock()
	m.loss = fn
	m.mu.Unlock()
}

func (m *Medium) attach(d *Driver) {
	m.mu.Lock()
	m.nodes[d.addr] = d
	m.mu.Unlock()
}

func (m *Medium) detach(d *Driver) {
	m.mu.Lock()
	if m.nodes[d.addr] == d {
		delete(m.nodes, d.addr)
	}
	m.mu.Unlock()
}

func (m *Medium) settings() (time.Duration, LossFunc) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latency, m.loss
}

// transmit hands frame to every attached driver matching to and reports
// whether at least one took it.
func (m *Medium) transmit(from, to proto.PeerAddress, frame []byte) bool {
	m.mu.RLock()
	var targets []*Driver
	if to.IsBroadcast() {
		for addr, d := range m.nodes {
			if addr != from {
				targets = append(targets, d)
			}
		}
	} else if d, ok := m.nodes[to]; ok {
		targets = append(targets, d)
	}
	m.mu.RUnlock()

	delivered := false
	for _, d := range targets {
		if d.inject(frame) {
			delivered = true
		}
	}
	return delivered
}
