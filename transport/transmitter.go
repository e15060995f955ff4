package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ystepanoff/nowcomm/internal/metrics"
	proto "github.com/ystepanoff/nowcomm/protocol"
)

// Transmitter is the periodic sender. It owns the outbound sequence counter;
// nothing outside SendOnce advances it.
type Transmitter struct {
	link     LinkLayer
	peer     proto.PeerAddress
	label    string
	template string
	interval time.Duration
	clock    Clock
	log      zerolog.Logger
	metrics  *metrics.Metrics

	seq atomic.Int32
}

// TransmitterConfig describes what the periodic sender emits.
type TransmitterConfig struct {
	Peer     proto.PeerAddress
	Label    string
	Template string        // body format, receives the sequence as its only %d
	Interval time.Duration // defaults to proto.DefaultSendInterval
	Clock    Clock
	Metrics  *metrics.Metrics
}

func NewTransmitter(link LinkLayer, cfg TransmitterConfig, logger zerolog.Logger) *Transmitter {
	if cfg.Template == "" {
		cfg.Template = proto.DefaultSendTemplate
	}
	if cfg.Interval <= 0 {
		cfg.Interval = proto.DefaultSendInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = NewMonotonicClock()
	}
	return &Transmitter{
		link:     link,
		peer:     cfg.Peer,
		label:    cfg.Label,
		template: cfg.Template,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		log:      logger.With().Str("component", "transmitter").Logger(),
		metrics:  cfg.Metrics,
	}
}

// Next returns the sequence the next send will carry.
func (t *Transmitter) Next() int32 { return t.seq.Load() }

// SendOnce builds the next message and submits it. The counter advances even
// when the link refuses the submission; nothing is retried.
func (t *Transmitter) SendOnce() (proto.Message, error) {
	seq := t.seq.Add(1) - 1

	msg := proto.Message{
		SenderLabel: t.label,
		Body:        fmt.Sprintf(t.template, seq),
		Sequence:    seq,
		TimestampMs: t.clock.NowMs(),
	}.Truncate()

	t.log.Info().
		Int32("seq", seq).
		Str("peer", t.peer.String()).
		Msg("sending message")

	tag := proto.Tag{Origin: proto.OriginPeriodic, Sequence: seq}
	if err := t.link.Send(t.peer, proto.EncodeMessage(&msg), tag); err != nil {
		t.metrics.Rejected(proto.OriginPeriodic)
		t.log.Error().Err(err).Int32("seq", seq).Msg("link refused message")
		return msg, fmt.Errorf("%w: %s: %w", proto.ErrSendFailure, tag, err)
	}
	t.metrics.Sent(proto.OriginPeriodic)
	return msg, nil
}

// Run sends immediately and then once per interval until ctx is done. An
// in-flight submission is never interrupted; cancellation is observed
// between sends.
func (t *Transmitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, _ = t.SendOnce()

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
