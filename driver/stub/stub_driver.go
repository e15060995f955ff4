package stub

import (
	"context"
	"fmt"
	"sync"
	"time"

	proto "github.com/ystepanoff/nowcomm/protocol"
)

// Transmission is one accepted Send, as recorded by the driver.
type Transmission struct {
	To      proto.PeerAddress
	Payload []byte
	Tag     proto.Tag
}

// Driver implements an in-process link for host-side testing and demos.
// Inbound frames are queued in a bounded ring and handed to the receive
// callback from a single goroutine; completions are reported from one
// goroutine per send, so they may arrive out of order.
type Driver struct {
	medium *Medium
	addr   proto.PeerAddress

	mu          sync.Mutex
	peers       map[proto.PeerAddress]proto.PeerInfo
	onRecv      func(proto.PeerAddress, []byte)
	onDone      func(proto.SendResult)
	rxBuf       ringBuffer
	txLog       []Transmission
	linkSeq     uint32
	overflows   int
	initialized bool
	closed      bool
	failInit    int
	initErr     error
	registerErr error

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func New(medium *Medium, addr proto.PeerAddress) *Driver {
	return &Driver{
		medium: medium,
		addr:   addr,
		peers:  make(map[proto.PeerAddress]proto.PeerInfo),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// FailInitialize makes the next n Initialize calls return err.
func (d *Driver) FailInitialize(n int, err error) {
	d.mu.Lock()
	d.failInit, d.initErr = n, err
	d.mu.Unlock()
}

// FailRegister makes RegisterPeer return err.
func (d *Driver) FailRegister(err error) {
	d.mu.Lock()
	d.registerErr = err
	d.mu.Unlock()
}

func (d *Driver) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return proto.ErrLinkClosed
	}
	if d.failInit > 0 {
		d.failInit--
		return d.initErr
	}
	if d.initialized {
		return nil
	}
	d.initialized = true
	if d.medium != nil {
		d.medium.attach(d)
	}

	d.wg.Add(1)
	go d.dispatch()
	return nil
}

func (d *Driver) LocalAddress() proto.PeerAddress { return d.addr }

func (d *Driver) RegisterPeer(peer proto.PeerInfo) error {
	if err := peer.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return proto.ErrLinkNotReady
	}
	if d.registerErr != nil {
		return d.registerErr
	}
	d.peers[peer.Address] = peer
	return nil
}

func (d *Driver) OnReceive(cb func(proto.PeerAddress, []byte)) {
	d.mu.Lock()
	d.onRecv = cb
	d.mu.Unlock()
}

func (d *Driver) OnSendComplete(cb func(proto.SendResult)) {
	d.mu.Lock()
	d.onDone = cb
	d.mu.Unlock()
}

func (d *Driver) Send(to proto.PeerAddress, payload []byte, tag proto.Tag) error {
	if len(payload) > proto.MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", proto.ErrPayloadTooLarge, len(payload))
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return proto.ErrLinkClosed
	}
	if !d.initialized {
		d.mu.Unlock()
		return proto.ErrLinkNotReady
	}
	if _, ok := d.peers[to]; !ok && !to.IsBroadcast() {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", proto.ErrUnknownPeer, to)
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	d.txLog = append(d.txLog, Transmission{To: to, Payload: data, Tag: tag})

	frame := proto.EncodeFrame(&proto.Frame{
		Source:  d.addr,
		Type:    proto.FrameTypeData,
		Seq:     d.linkSeq,
		Payload: data,
	})
	d.linkSeq++
	d.wg.Add(1)
	d.mu.Unlock()

	go d.deliver(to, frame, tag)
	return nil
}

func (d *Driver) deliver(to proto.PeerAddress, frame []byte, tag proto.Tag) {
	defer d.wg.Done()

	res := proto.SendResult{Peer: to, Tag: tag, Status: proto.SendFailure}

	var latency time.Duration
	var loss LossFunc
	if d.medium != nil {
		latency, loss = d.medium.settings()
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-d.done:
			timer.Stop()
			res.Err = proto.ErrLinkClosed
			d.complete(res)
			return
		case <-timer.C:
		}
	}

	switch {
	case d.medium == nil:
		res.Err = proto.ErrTimeout
	case loss != nil && loss(d.addr, to, tag):
		res.Err = proto.ErrTimeout
	case !d.medium.transmit(d.addr, to, frame):
		res.Err = proto.ErrTimeout
	default:
		res.Status = proto.SendSuccess
	}
	d.complete(res)
}

func (d *Driver) complete(res proto.SendResult) {
	d.mu.Lock()
	cb := d.onDone
	d.mu.Unlock()
	if cb != nil {
		cb(res)
	}
}

// inject queues a raw frame as if it had been received over the air.
func (d *Driver) inject(frame []byte) bool {
	d.mu.Lock()
	if d.closed || !d.initialized {
		d.mu.Unlock()
		return false
	}
	if !d.rxBuf.push(frame) {
		d.overflows++
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// InjectRx delivers payload to the receive callback as if from sent it.
func (d *Driver) InjectRx(from proto.PeerAddress, payload []byte) {
	d.inject(proto.EncodeFrame(&proto.Frame{Source: from, Type: proto.FrameTypeData, Payload: payload}))
}

// Overflows counts inbound frames lost because the receive ring was full.
func (d *Driver) Overflows() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overflows
}

// TxLog returns a copy of every accepted submission so far.
func (d *Driver) TxLog() []Transmission {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Transmission, len(d.txLog))
	copy(out, d.txLog)
	return out
}

// ClearTxLog forgets recorded submissions.
func (d *Driver) ClearTxLog() {
	d.mu.Lock()
	d.txLog = d.txLog[:0]
	d.mu.Unlock()
}

func (d *Driver) dispatch() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			raw, ok := d.rxBuf.pop()
			cb := d.onRecv
			d.mu.Unlock()
			if !ok {
				break
			}

			frame := proto.DecodeFrame(raw)
			if frame == nil || frame.Type != proto.FrameTypeData || cb == nil {
				continue
			}
			cb(frame.Source, frame.Payload)
		}
	}
}

// Close detaches the driver from the medium and waits for its goroutines.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.medium != nil {
		d.medium.detach(d)
	}
	close(d.done)
	d.wg.Wait()
	return nil
}
