package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ystepanoff/nowcomm/driver/natslink"
	"github.com/ystepanoff/nowcomm/driver/stub"
	"github.com/ystepanoff/nowcomm/driver/udp"
	"github.com/ystepanoff/nowcomm/internal/config"
	"github.com/ystepanoff/nowcomm/internal/httpapi"
	"github.com/ystepanoff/nowcomm/internal/metrics"
	proto "github.com/ystepanoff/nowcomm/protocol"
	"github.com/ystepanoff/nowcomm/transport"
)

var runFlags struct {
	driver      string
	label       string
	peer        string
	endpoint    string
	listen      string
	natsURL     string
	interval    time.Duration
	replyDelay  time.Duration
	listenOnly  bool
	metricsAddr string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node until interrupted",
	Example: `  # initiator, sends every 5s and only logs the replies
  nowcomm run --label Device_A --peer 02:00:00:00:00:0B --endpoint 10.0.0.2:4210 --listen-only

  # responder, answers every message
  nowcomm run --label Device_B --peer 02:00:00:00:00:0A --interval 0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, cfg, logger)
	},
}

func applyRunFlags(cmd *cobra.Command, c *config.Config) error {
	f := cmd.Flags()
	if f.Changed("driver") {
		c.Driver = runFlags.driver
	}
	if f.Changed("label") {
		c.Label = runFlags.label
	}
	if f.Changed("peer") {
		addr, err := proto.ParsePeerAddress(runFlags.peer)
		if err != nil {
			return err
		}
		c.Peer.Address = addr
	}
	if f.Changed("endpoint") {
		c.Peer.Endpoint = runFlags.endpoint
	}
	if f.Changed("listen") {
		c.Listen = runFlags.listen
	}
	if f.Changed("nats-url") {
		c.NatsURL = runFlags.natsURL
	}
	if f.Changed("interval") {
		c.SendInterval = runFlags.interval
	}
	if f.Changed("reply-delay") {
		c.ReplyDelay = runFlags.replyDelay
	}
	if f.Changed("listen-only") {
		c.ListenOnly = runFlags.listenOnly
	}
	if f.Changed("metrics-addr") {
		c.MetricsAddr = runFlags.metricsAddr
	}
	return nil
}

// newLink builds the link layer named by c.Driver.
func newLink(c *config.Config, logger zerolog.Logger) (transport.LinkLayer, error) {
	switch c.Driver {
	case config.DriverUDP:
		d := udp.New(udp.Config{
			Listen:     c.Listen,
			Address:    c.LocalAddress,
			AckTimeout: c.Link.AckTimeout,
			Attempts:   c.Link.Attempts,
		}, logger)
		if c.Peer.Endpoint != "" {
			if err := d.SetEndpoint(c.Peer.Address, c.Peer.Endpoint); err != nil {
				return nil, err
			}
		}
		return d, nil
	case config.DriverNATS:
		return natslink.New(natslink.Config{
			URL:     c.NatsURL,
			Address: c.LocalAddress,
			Name:    "nowcomm-" + c.Label,
		}, logger), nil
	case config.DriverStub:
		addr := c.LocalAddress
		if addr.IsZero() {
			var err error
			if addr, err = proto.RandomAddress(); err != nil {
				return nil, err
			}
		}
		return stub.New(stub.NewMedium(), addr), nil
	}
	return nil, fmt.Errorf("unknown driver %q", c.Driver)
}

func nodeConfig(c *config.Config) transport.NodeConfig {
	return transport.NodeConfig{
		Label:           c.Label,
		Peer:            proto.PeerInfo{Address: c.Peer.Address, Channel: c.Peer.Channel},
		SendInterval:    c.SendInterval,
		SendTemplate:    c.SendTemplate,
		ReplyDelay:      c.ReplyDelay,
		ReplyTemplate:   c.ReplyTemplate,
		DispatchReplies: c.DispatchReplies,
		ListenOnly:      c.ListenOnly,
		InitAttempts:    c.InitAttempts,
		InitBackoff:     c.InitBackoff,
	}
}

func runNode(ctx context.Context, c *config.Config, logger zerolog.Logger) error {
	link, err := newLink(c, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	node := transport.NewNode(nodeConfig(c), link, logger, transport.WithMetrics(metrics.New(reg)))
	if err := node.Start(ctx); err != nil {
		logger.Error().Err(err).Str("driver", c.Driver).Msg("node failed to start")
		return err
	}
	defer node.Close()

	logger.Info().
		Str("driver", c.Driver).
		Msgf("My MAC: %s", node.LocalAddress())

	srvErr := make(chan error, 1)
	if c.MetricsAddr != "" {
		go func() {
			srvErr <- httpapi.Serve(ctx, c.MetricsAddr, httpapi.NewRouter(logger, reg, node), logger)
		}()
	}

	runErr := node.Run(ctx)
	logger.Info().Msg("shutting down node...")

	if c.MetricsAddr != "" {
		if err := <-srvErr; err != nil {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.driver, "driver", "", "link driver: udp, nats, stub")
	f.StringVar(&runFlags.label, "label", "", "sender label put in every message")
	f.StringVar(&runFlags.peer, "peer", "", "peer link address, e.g. 94:B5:55:F6:F6:40")
	f.StringVar(&runFlags.endpoint, "endpoint", "", "peer UDP host:port")
	f.StringVar(&runFlags.listen, "listen", "", "local UDP bind address")
	f.StringVar(&runFlags.natsURL, "nats-url", "", "NATS server URL")
	f.DurationVar(&runFlags.interval, "interval", 0, "periodic send interval, 0 to only respond")
	f.DurationVar(&runFlags.replyDelay, "reply-delay", 0, "pause before each reply")
	f.BoolVar(&runFlags.listenOnly, "listen-only", false, "log inbound messages without replying")
	f.StringVar(&runFlags.metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address")
	rootCmd.AddCommand(runCmd)
}
