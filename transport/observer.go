package transport

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ystepanoff/nowcomm/internal/metrics"
	proto "github.com/ystepanoff/nowcomm/protocol"
)

// DeliveryStats counts completions for one origin.
type DeliveryStats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

// Observer records send completions. It has no retry authority.
type Observer struct {
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	stats map[proto.Origin]DeliveryStats
	last  *proto.SendResult
}

func NewObserver(logger zerolog.Logger, m *metrics.Metrics) *Observer {
	return &Observer{
		log:     logger.With().Str("component", "observer").Logger(),
		metrics: m,
		stats:   make(map[proto.Origin]DeliveryStats),
	}
}

// HandleResult is installed as the link's completion callback.
func (o *Observer) HandleResult(res proto.SendResult) {
	o.mu.Lock()
	s := o.stats[res.Tag.Origin]
	if res.Status == proto.SendSuccess {
		s.Delivered++
	} else {
		s.Failed++
	}
	o.stats[res.Tag.Origin] = s
	o.last = &res
	o.mu.Unlock()

	o.metrics.Completed(res)

	if res.Status == proto.SendSuccess {
		o.log.Info().
			Str("peer", res.Peer.String()).
			Stringer("origin", res.Tag.Origin).
			Int32("seq", res.Tag.Sequence).
			Msg("message delivered")
		return
	}
	o.log.Error().
		Err(res.Err).
		Str("peer", res.Peer.String()).
		Stringer("origin", res.Tag.Origin).
		Int32("seq", res.Tag.Sequence).
		Msg("delivery failed")
}

// Stats returns a snapshot of completion counts keyed by origin.
func (o *Observer) Stats() map[proto.Origin]DeliveryStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[proto.Origin]DeliveryStats, len(o.stats))
	for k, v := range o.stats {
		out[k] = v
	}
	return out
}

// Last returns the most recent completion, if any.
func (o *Observer) Last() (proto.SendResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.last == nil {
		return proto.SendResult{}, false
	}
	return *o.last, true
}
