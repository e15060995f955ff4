package natslink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	proto "github.com/ystepanoff/nowcomm/protocol"
)

const (
	SubjectPrefix = "nowcomm.link"
	HeaderSource  = "Nowcomm-Source"

	DefaultFlushTimeout   = 2 * time.Second
	DefaultConnectTimeout = 2 * time.Second
)

// SubjectFor returns the subject a node with address addr listens on.
func SubjectFor(addr proto.PeerAddress) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, addr.Hex())
}

// Config describes how the driver reaches the NATS server.
type Config struct {
	URL            string
	Address        proto.PeerAddress
	Name           string        // client name shown by the server
	ConnectTimeout time.Duration
	FlushTimeout   time.Duration // wait for the server to confirm a publish
}

// Driver is a link over core NATS subjects. Each node subscribes to its own
// subject and the broadcast subject. A send completes with success once the
// server has confirmed the publish; core NATS gives no end-to-end delivery
// guarantee, so a message to a node that is not subscribed is still
// reported as delivered.
type Driver struct {
	cfg Config
	log zerolog.Logger

	mu          sync.Mutex
	nc          *nats.Conn
	subs        []*nats.Subscription
	peers       map[proto.PeerAddress]proto.PeerInfo
	onRecv      func(proto.PeerAddress, []byte)
	onDone      func(proto.SendResult)
	initialized bool
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, logger zerolog.Logger) *Driver {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Address.IsZero() {
		if a, err := proto.RandomAddress(); err == nil {
			cfg.Address = a
		}
	}
	if cfg.Name == "" {
		cfg.Name = "nowcomm-" + cfg.Address.Hex()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		cfg:    cfg,
		log:    logger.With().Str("component", "nats").Str("addr", cfg.Address.String()).Logger(),
		peers:  make(map[proto.PeerAddress]proto.PeerInfo),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize connects to the server and subscribes to the node's subjects.
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

	nc, err := nats.Connect(d.cfg.URL, nats.Name(d.cfg.Name), nats.Timeout(d.cfg.ConnectTimeout))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	for _, subj := range []string{SubjectFor(d.cfg.Address), SubjectFor(proto.BroadcastAddress)} {
		sub, err := nc.Subscribe(subj, d.handleMsg)
		if err != nil {
			nc.Close()
			d.subs = nil
			return fmt.Errorf("failed to subscribe to '%s': %w", subj, err)
		}
		d.subs = append(d.subs, sub)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		nc.Close()
		d.subs = nil
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	d.nc = nc
	d.initialized = true
	d.log.Debug().Str("url", nc.ConnectedUrlRedacted()).Str("subject", SubjectFor(d.cfg.Address)).Msg("nats link up")
	return nil
}

func (d *Driver) LocalAddress() proto.PeerAddress { return d.cfg.Address }

func (d *Driver) RegisterPeer(peer proto.PeerInfo) error {
	if err := peer.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return proto.ErrLinkClosed
	}
	if !d.initialized {
		return proto.ErrLinkNotReady
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
	defer d.mu.Unlock()

	if d.closed {
		return proto.ErrLinkClosed
	}
	if !d.initialized {
		return proto.ErrLinkNotReady
	}
	if _, ok := d.peers[to]; !ok && !to.IsBroadcast() {
		return fmt.Errorf("%w: %s", proto.ErrUnknownPeer, to)
	}

	msg := nats.NewMsg(SubjectFor(to))
	msg.Header.Set(HeaderSource, d.cfg.Address.Hex())
	msg.Data = make([]byte, len(payload))
	copy(msg.Data, payload)

	if err := d.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("%w: %v", proto.ErrSendFailure, err)
	}

	d.wg.Add(1)
	go d.confirm(d.nc, proto.SendResult{Peer: to, Tag: tag})
	return nil
}

// confirm waits for the server to acknowledge everything published so far
// and reports the outcome of one send.
func (d *Driver) confirm(nc *nats.Conn, res proto.SendResult) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.FlushTimeout)
	defer cancel()

	if err := nc.FlushWithContext(ctx); err != nil {
		res.Status = proto.SendFailure
		switch {
		case d.ctx.Err() != nil:
			res.Err = proto.ErrLinkClosed
		case ctx.Err() != nil:
			res.Err = proto.ErrTimeout
		default:
			res.Err = fmt.Errorf("%w: %v", proto.ErrSendFailure, err)
		}
	} else {
		res.Status = proto.SendSuccess
	}

	d.mu.Lock()
	cb := d.onDone
	d.mu.Unlock()
	if cb != nil {
		cb(res)
	}
}

func (d *Driver) handleMsg(msg *nats.Msg) {
	var from proto.PeerAddress
	if err := from.UnmarshalText([]byte(msg.Header.Get(HeaderSource))); err != nil {
		d.log.Debug().Str("subject", msg.Subject).Msg("dropping message without source")
		return
	}
	if from == d.cfg.Address {
		return
	}
	if len(msg.Data) > proto.MaxDatagramSize {
		d.log.Debug().Str("peer", from.String()).Int("len", len(msg.Data)).Msg("dropping oversized message")
		return
	}

	d.mu.Lock()
	cb := d.onRecv
	d.mu.Unlock()
	if cb != nil {
		cb(from, msg.Data)
	}
}

// Close drains the subscriptions, closes the connection and waits for
// pending completions.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	nc := d.nc
	subs := d.subs
	d.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	d.cancel()
	d.wg.Wait()
	if nc != nil {
		nc.Close()
	}
	return nil
}
