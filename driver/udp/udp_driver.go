package udp

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	proto "github.com/ystepanoff/nowcomm/protocol"
)

const (
	DefaultAckTimeout = 200 * time.Millisecond
	DefaultAttempts   = 3

	rxQueueSize = 16
)

// Config describes the local end of a UDP link.
type Config struct {
	Listen     string            // host:port to bind, ":0" picks a free port
	Address    proto.PeerAddress // link address announced in every frame; zero picks a random one
	AckTimeout time.Duration     // wait for a link ACK per attempt
	Attempts   int               // transmissions per datagram before it is reported lost
}

type peerEntry struct {
	info     proto.PeerInfo
	endpoint *net.UDPAddr
	pinned   bool // set with SetEndpoint, never replaced by learning
}

type pendingSend struct {
	to    proto.PeerAddress
	acked chan struct{}
}

type inbound struct {
	from    proto.PeerAddress
	payload []byte
}

// Driver carries datagrams between link addresses over UDP. Every data
// frame is acknowledged by the receiving driver; a send completes with
// success once its ACK arrives and with ErrTimeout after the last
// unacknowledged attempt. Endpoints of registered peers are either set up
// front with SetEndpoint or learned from inbound frames, following the peer
// when it comes back on another port. The link sequence starts at a random
// value so a restarted sender is not mistaken for a retransmission.
type Driver struct {
	cfg Config
	log zerolog.Logger

	mu          sync.Mutex
	conn        *net.UDPConn
	peers       map[proto.PeerAddress]*peerEntry
	endpoints   map[proto.PeerAddress]*net.UDPAddr
	pending     map[uint32]pendingSend
	lastSeq     map[proto.PeerAddress]uint32
	onRecv      func(proto.PeerAddress, []byte)
	onDone      func(proto.SendResult)
	seq         uint32
	initialized bool
	closed      bool

	rx     chan inbound
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, logger zerolog.Logger) *Driver {
	if cfg.Address.IsZero() {
		if a, err := proto.RandomAddress(); err == nil {
			cfg.Address = a
		}
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		cfg:       cfg,
		seq:       randomSeq(),
		log:       logger.With().Str("component", "udp").Str("addr", cfg.Address.String()).Logger(),
		peers:     make(map[proto.PeerAddress]*peerEntry),
		endpoints: make(map[proto.PeerAddress]*net.UDPAddr),
		pending:   make(map[uint32]pendingSend),
		lastSeq:   make(map[proto.PeerAddress]uint32),
		rx:        make(chan inbound, rxQueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func randomSeq() uint32 {
	var b [4]byte
	if _, err := crand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint32(b[:])
}

// SetEndpoint pins where frames for addr are sent. A pinned endpoint is not
// replaced by the source of inbound frames.
func (d *Driver) SetEndpoint(addr proto.PeerAddress, hostport string) error {
	raddr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return fmt.Errorf("udp: resolve %s: %w", hostport, err)
	}

	d.mu.Lock()
	d.endpoints[addr] = raddr
	if p, ok := d.peers[addr]; ok {
		p.endpoint, p.pinned = raddr, true
	}
	d.mu.Unlock()
	return nil
}

// Initialize binds the socket and starts the receive loop. Calling it again
// after success is a no-op.
func (d *Driver) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return proto.ErrLinkClosed
	}
	if d.initialized {
		return nil
	}

	laddr, err := net.ResolveUDPAddr("udp", d.cfg.Listen)
	if err != nil {
		return fmt.Errorf("udp: resolve %s: %w", d.cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("udp: listen %s: %w", d.cfg.Listen, err)
	}
	d.conn = conn
	d.initialized = true

	d.wg.Add(2)
	go d.readLoop(conn)
	go d.dispatch()

	d.log.Debug().Str("listen", conn.LocalAddr().String()).Msg("udp link up")
	return nil
}

func (d *Driver) LocalAddress() proto.PeerAddress { return d.cfg.Address }

// LocalAddr returns the bound socket address, nil before Initialize.
func (d *Driver) LocalAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

func (d *Driver) RegisterPeer(peer proto.PeerInfo) error {
	if err := peer.Validate(); err != nil {
		return err
	}
	if peer.Address.IsBroadcast() {
		return fmt.Errorf("%w: broadcast address", proto.ErrInvalidAddress)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return proto.ErrLinkClosed
	}
	if !d.initialized {
		return proto.ErrLinkNotReady
	}
	ep, pinned := d.endpoints[peer.Address]
	d.peers[peer.Address] = &peerEntry{info: peer, endpoint: ep, pinned: pinned}
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

// Send queues payload for to. Broadcasts go to every registered peer with a
// known endpoint and are not acknowledged.
func (d *Driver) Send(to proto.PeerAddress, payload []byte, tag proto.Tag) error {
	if len(payload) > proto.MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", proto.ErrPayloadTooLarge, len(payload))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return proto.ErrLinkClosed
	}
	if !d.initialized {
		return proto.ErrLinkNotReady
	}

	var targets []*net.UDPAddr
	if to.IsBroadcast() {
		for _, p := range d.peers {
			if p.endpoint != nil {
				targets = append(targets, p.endpoint)
			}
		}
	} else {
		p, ok := d.peers[to]
		if !ok {
			return fmt.Errorf("%w: %s", proto.ErrUnknownPeer, to)
		}
		if p.endpoint == nil {
			return fmt.Errorf("%w: no endpoint for %s yet", proto.ErrUnknownPeer, to)
		}
		targets = append(targets, p.endpoint)
	}

	seq := d.seq
	d.seq++

	data := make([]byte, len(payload))
	copy(data, payload)
	frame := proto.EncodeFrame(&proto.Frame{
		Source:  d.cfg.Address,
		Type:    proto.FrameTypeData,
		Seq:     seq,
		Payload: data,
	})

	var acked chan struct{}
	if !to.IsBroadcast() {
		acked = make(chan struct{})
		d.pending[seq] = pendingSend{to: to, acked: acked}
	}

	d.wg.Add(1)
	go d.transmit(d.conn, to, targets, frame, seq, acked, tag)
	return nil
}

// transmit writes frame up to Attempts times, waiting for the ACK between
// attempts, then reports the outcome.
func (d *Driver) transmit(conn *net.UDPConn, to proto.PeerAddress, targets []*net.UDPAddr, frame []byte, seq uint32, acked chan struct{}, tag proto.Tag) {
	defer d.wg.Done()

	res := proto.SendResult{Peer: to, Tag: tag, Status: proto.SendFailure}
	defer func() {
		d.mu.Lock()
		delete(d.pending, seq)
		d.mu.Unlock()
		d.complete(res)
	}()

	if acked == nil {
		for _, t := range targets {
			if _, err := conn.WriteToUDP(frame, t); err != nil {
				res.Err = fmt.Errorf("%w: %v", proto.ErrSendFailure, err)
				return
			}
		}
		res.Status = proto.SendSuccess
		return
	}

	for attempt := 0; attempt < d.cfg.Attempts; attempt++ {
		if _, err := conn.WriteToUDP(frame, targets[0]); err != nil {
			if errors.Is(err, net.ErrClosed) {
				res.Err = proto.ErrLinkClosed
				return
			}
			d.log.Debug().Err(err).Uint32("link_seq", seq).Int("attempt", attempt+1).Msg("write failed")
		}

		timer := time.NewTimer(d.cfg.AckTimeout)
		select {
		case <-acked:
			timer.Stop()
			res.Status = proto.SendSuccess
			return
		case <-d.ctx.Done():
			timer.Stop()
			res.Err = proto.ErrLinkClosed
			return
		case <-timer.C:
		}
	}
	res.Err = proto.ErrTimeout
}

func (d *Driver) complete(res proto.SendResult) {
	d.mu.Lock()
	cb := d.onDone
	d.mu.Unlock()
	if cb != nil {
		cb(res)
	}
}

// recv blocks until one datagram arrives or ctx is done.
func (d *Driver) recv(ctx context.Context, conn *net.UDPConn, buf []byte) (int, *net.UDPAddr, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-readDone:
		}
	}()

	n, from, err := conn.ReadFromUDP(buf)
	if err != nil && ctx.Err() != nil {
		return 0, nil, ctx.Err()
	}
	return n, from, err
}

func (d *Driver) readLoop(conn *net.UDPConn) {
	defer d.wg.Done()
	defer close(d.rx)

	buf := make([]byte, proto.MaxFrameSize+1)
	for {
		n, from, err := d.recv(d.ctx, conn, buf)
		if err != nil {
			if d.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Warn().Err(err).Msg("read failed")
			continue
		}

		frame := proto.DecodeFrame(buf[:n])
		if frame == nil {
			d.log.Debug().Str("from", from.String()).Int("len", n).Msg("dropping invalid frame")
			continue
		}

		switch frame.Type {
		case proto.FrameTypeAck:
			d.handleAck(frame)
		case proto.FrameTypeData:
			d.handleData(conn, from, frame)
		}
	}
}

// handleAck completes the pending send with the frame's sequence, provided
// the ACK comes from the node that send was addressed to.
func (d *Driver) handleAck(frame *proto.Frame) {
	d.mu.Lock()
	p, ok := d.pending[frame.Seq]
	ok = ok && p.to == frame.Source
	if ok {
		delete(d.pending, frame.Seq)
	}
	d.mu.Unlock()

	if !ok {
		d.log.Debug().Str("from", frame.Source.String()).Uint32("link_seq", frame.Seq).Msg("dropping unmatched ack")
		return
	}
	close(p.acked)
}

func (d *Driver) handleData(conn *net.UDPConn, from *net.UDPAddr, frame *proto.Frame) {
	ack := proto.EncodeFrame(&proto.Frame{
		Source: d.cfg.Address,
		Type:   proto.FrameTypeAck,
		Seq:    frame.Seq,
	})
	if _, err := conn.WriteToUDP(ack, from); err != nil {
		d.log.Debug().Err(err).Uint32("link_seq", frame.Seq).Msg("ack failed")
	}

	d.mu.Lock()
	if p, ok := d.peers[frame.Source]; ok && !p.pinned && (p.endpoint == nil || p.endpoint.String() != from.String()) {
		p.endpoint = from
		d.log.Debug().Str("peer", frame.Source.String()).Str("endpoint", from.String()).Msg("learned peer endpoint")
	}
	last, seen := d.lastSeq[frame.Source]
	duplicate := seen && last == frame.Seq
	d.lastSeq[frame.Source] = frame.Seq
	d.mu.Unlock()

	// A retransmission whose ACK got lost.
	if duplicate {
		return
	}

	select {
	case d.rx <- inbound{from: frame.Source, payload: frame.Payload}:
	default:
		d.log.Warn().Str("peer", frame.Source.String()).Msg("receive queue full, dropping datagram")
	}
}

func (d *Driver) dispatch() {
	defer d.wg.Done()
	for in := range d.rx {
		d.mu.Lock()
		cb := d.onRecv
		d.mu.Unlock()
		if cb != nil {
			cb(in.from, in.payload)
		}
	}
}

// Close stops the receive loop, fails in-flight sends and waits for the
// driver's goroutines.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conn := d.conn
	d.mu.Unlock()

	d.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	d.wg.Wait()
	return err
}
