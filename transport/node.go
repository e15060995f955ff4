package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ystepanoff/nowcomm/internal/metrics"
	proto "github.com/ystepanoff/nowcomm/protocol"
)

// NodeConfig is everything a node needs besides its link.
type NodeConfig struct {
	Label string
	Peer  proto.PeerInfo

	// SendInterval paces the periodic sender. Zero turns the node into a
	// pure responder.
	SendInterval time.Duration
	SendTemplate string

	ReplyDelay    time.Duration
	ReplyTemplate string

	// DispatchReplies runs each reply on its own goroutine instead of the
	// link's receive goroutine.
	DispatchReplies bool
	// ListenOnly disables replies; inbound messages are only logged.
	ListenOnly bool

	InitAttempts int           // attempts before startup gives up, at least 1
	InitBackoff  time.Duration // first wait between attempts, doubled each time
}

// Node ties a link to one transmitter, one receiver and one observer.
type Node struct {
	cfg     NodeConfig
	link    LinkLayer
	log     zerolog.Logger
	clock   Clock
	metrics *metrics.Metrics

	tx  *Transmitter
	rx  *Receiver
	obs *Observer

	ctx    context.Context // lifetime of the receive path
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
}

type Option func(*Node)

func WithClock(c Clock) Option { return func(n *Node) { n.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(n *Node) { n.metrics = m } }

func NewNode(cfg NodeConfig, link LinkLayer, logger zerolog.Logger, opts ...Option) *Node {
	n := &Node{
		cfg:   cfg,
		link:  link,
		log:   logger.With().Str("label", cfg.Label).Logger(),
		clock: NewMonotonicClock(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.cfg.InitAttempts < 1 {
		n.cfg.InitAttempts = 1
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())

	if cfg.SendInterval > 0 {
		n.tx = NewTransmitter(link, TransmitterConfig{
			Peer:     cfg.Peer.Address,
			Label:    cfg.Label,
			Template: cfg.SendTemplate,
			Interval: cfg.SendInterval,
			Clock:    n.clock,
			Metrics:  n.metrics,
		}, n.log)
	}
	n.rx = NewReceiver(link, ReceiverConfig{
		Label:    cfg.Label,
		Template: cfg.ReplyTemplate,
		Delay:    cfg.ReplyDelay,
		Clock:    n.clock,
		Metrics:  n.metrics,

		Dispatch:   cfg.DispatchReplies,
		ListenOnly: cfg.ListenOnly,
	}, n.log)
	n.obs = NewObserver(n.log, n.metrics)

	return n
}

// Start brings the link up, installs the callbacks and registers the peer.
// Any error is fatal for the node: the link is closed and nothing runs.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return proto.ErrLinkClosed
	}
	if n.started {
		return nil
	}

	if err := n.initialize(ctx); err != nil {
		_ = n.link.Close()
		return err
	}

	n.link.OnSendComplete(n.obs.HandleResult)
	n.link.OnReceive(func(from proto.PeerAddress, payload []byte) {
		_ = n.rx.HandleDatagram(n.ctx, from, payload)
	})

	if err := n.link.RegisterPeer(n.cfg.Peer); err != nil {
		_ = n.link.Close()
		return fmt.Errorf("%w: %s: %w", proto.ErrPeerRegistration, n.cfg.Peer.Address, err)
	}

	n.started = true
	n.log.Info().
		Str("address", n.link.LocalAddress().String()).
		Str("peer", n.cfg.Peer.Address.String()).
		Bool("periodic", n.tx != nil).
		Bool("replies", !n.cfg.ListenOnly).
		Msg("link ready")
	return nil
}

// initialize retries link bring-up with exponential backoff starting at
// InitBackoff. Cancelling ctx during a wait ends the retries.
func (n *Node) initialize(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = n.cfg.InitBackoff
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(n.cfg.InitAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		n.metrics.InitAttempt()
		err := n.link.Initialize(ctx)
		if err != nil {
			n.log.Warn().Err(err).
				Int("attempt", attempt).
				Int("max_attempts", n.cfg.InitAttempts).
				Msg("link initialization failed")
		}
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("%w: %w", proto.ErrInitialization, err)
	}
	return nil
}

// Run blocks until ctx is done, driving the periodic sender when enabled.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if !started {
		return proto.ErrLinkNotReady
	}

	if n.tx == nil {
		<-ctx.Done()
		return nil
	}
	return n.tx.Run(ctx)
}

// Close stops the receive path, waits for dispatched replies and closes the
// link. It is safe to call more than once.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	n.rx.Wait()

	err := n.link.Close()
	if errors.Is(err, proto.ErrLinkClosed) {
		err = nil
	}
	n.log.Info().Msg("node stopped")
	return err
}

func (n *Node) LocalAddress() proto.PeerAddress { return n.link.LocalAddress() }

// Transmitter is nil for pure responders.
func (n *Node) Transmitter() *Transmitter { return n.tx }

func (n *Node) Receiver() *Receiver { return n.rx }

func (n *Node) Observer() *Observer { return n.obs }

// Ready reports whether Start succeeded and Close has not been called.
func (n *Node) Ready() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started && !n.closed
}

// Peer returns the registered partner.
func (n *Node) Peer() proto.PeerInfo { return n.cfg.Peer }
