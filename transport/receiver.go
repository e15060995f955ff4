package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ystepanoff/nowcomm/internal/metrics"
	proto "github.com/ystepanoff/nowcomm/protocol"
)

// Receiver answers every well-formed inbound message with a templated
// acknowledgement carrying the same sequence.
type Receiver struct {
	link     LinkLayer
	label    string
	template string
	delay    time.Duration
	dispatch bool
	listen   bool
	clock    Clock
	log      zerolog.Logger
	metrics  *metrics.Metrics

	wg sync.WaitGroup
}

// ReceiverConfig describes the replies a Receiver produces.
type ReceiverConfig struct {
	Label    string
	Template string        // reply body format, receives the echoed sequence as its only %d
	Delay    time.Duration // pacing delay before each reply; negative means none
	Clock    Clock
	Metrics  *metrics.Metrics

	// Dispatch moves the delay and the reply off the link's receive
	// goroutine. By default replies run inline on it.
	Dispatch bool
	// ListenOnly logs inbound messages without answering them. Two nodes
	// that both answer everything keep echoing each other's replies.
	ListenOnly bool
}

func NewReceiver(link LinkLayer, cfg ReceiverConfig, logger zerolog.Logger) *Receiver {
	if cfg.Template == "" {
		cfg.Template = proto.DefaultReplyTemplate
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = NewMonotonicClock()
	}
	return &Receiver{
		link:     link,
		label:    cfg.Label,
		template: cfg.Template,
		delay:    cfg.Delay,
		dispatch: cfg.Dispatch,
		listen:   cfg.ListenOnly,
		clock:    cfg.Clock,
		log:      logger.With().Str("component", "receiver").Logger(),
		metrics:  cfg.Metrics,
	}
}

// HandleDatagram processes one inbound datagram from the link. Malformed
// payloads are dropped without a reply. In inline mode the returned error
// also reports a refused reply submission.
func (r *Receiver) HandleDatagram(ctx context.Context, from proto.PeerAddress, payload []byte) error {
	msg, err := proto.DecodeMessage(payload)
	if err != nil {
		r.metrics.Malformed()
		r.log.Warn().
			Str("peer", from.String()).
			Int("len", len(payload)).
			Msg("dropping malformed payload")
		return err
	}
	r.metrics.Received()

	r.log.Info().
		Str("peer", from.String()).
		Str("label", msg.SenderLabel).
		Str("body", msg.Body).
		Int32("seq", msg.Sequence).
		Uint32("timestamp_ms", msg.TimestampMs).
		Msg("message received")

	if r.listen {
		return nil
	}
	reply := r.BuildReply(msg)

	if r.dispatch {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			_ = r.send(ctx, from, reply)
		}()
		return nil
	}
	return r.send(ctx, from, reply)
}

// BuildReply derives the acknowledgement for msg. The sequence is echoed
// unchanged.
func (r *Receiver) BuildReply(msg *proto.Message) proto.Message {
	return proto.Message{
		SenderLabel: r.label,
		Body:        fmt.Sprintf(r.template, msg.Sequence),
		Sequence:    msg.Sequence,
		TimestampMs: r.clock.NowMs(),
	}.Truncate()
}

// Wait blocks until dispatched replies have finished.
func (r *Receiver) Wait() { r.wg.Wait() }

func (r *Receiver) send(ctx context.Context, to proto.PeerAddress, reply proto.Message) error {
	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.metrics.Abandoned()
			r.log.Debug().Int32("seq", reply.Sequence).Msg("reply abandoned, node stopping")
			return ctx.Err()
		case <-timer.C:
		}
	}

	tag := proto.Tag{Origin: proto.OriginReply, Sequence: reply.Sequence}
	if err := r.link.Send(to, proto.EncodeMessage(&reply), tag); err != nil {
		r.metrics.Rejected(proto.OriginReply)
		r.log.Error().Err(err).
			Str("peer", to.String()).
			Int32("seq", reply.Sequence).
			Msg("link refused reply")
		return fmt.Errorf("%w: %s: %w", proto.ErrSendFailure, tag, err)
	}
	r.metrics.Sent(proto.OriginReply)
	r.log.Info().
		Str("peer", to.String()).
		Int32("seq", reply.Sequence).
		Msg("reply sent")
	return nil
}
