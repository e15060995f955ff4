package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ystepanoff/nowcomm/driver/stub"
	proto "github.com/ystepanoff/nowcomm/protocol"
	"github.com/ystepanoff/nowcomm/transport"
)

var demoFlags struct {
	duration time.Duration
	interval time.Duration
	latency  time.Duration
	lossRate int // drop every Nth datagram, 0 for none
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run Device_A and Device_B in-process over a simulated medium",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ctx, cancel := context.WithTimeout(ctx, demoFlags.duration)
		defer cancel()

		return runDemo(ctx, cmd.OutOrStdout(), logger)
	},
}

// runDemo wires an initiator and a responder to one stub medium, runs them
// until ctx is done and prints the delivery counts of both.
func runDemo(ctx context.Context, out io.Writer, logger zerolog.Logger) error {
	addrA := proto.PeerAddress{0x02, 0x00, 0x00, 0x00, 0x00, 0x0A}
	addrB := proto.PeerAddress{0x02, 0x00, 0x00, 0x00, 0x00, 0x0B}

	medium := stub.NewMedium()
	medium.SetLatency(demoFlags.latency)
	if n := demoFlags.lossRate; n > 0 {
		var count atomic.Int64
		medium.SetLoss(func(from, to proto.PeerAddress, tag proto.Tag) bool {
			return count.Add(1)%int64(n) == 0
		})
	}

	nodeA := transport.NewNode(transport.NodeConfig{
		Label:        "Device_A",
		Peer:         proto.PeerInfo{Address: addrB},
		SendInterval: demoFlags.interval,
		ListenOnly:   true,
	}, stub.New(medium, addrA), logger)
	nodeB := transport.NewNode(transport.NodeConfig{
		Label:      "Device_B",
		Peer:       proto.PeerInfo{Address: addrA},
		ReplyDelay: proto.DefaultReplyDelay,
	}, stub.New(medium, addrB), logger)

	for _, n := range []*transport.Node{nodeB, nodeA} {
		if err := n.Start(ctx); err != nil {
			return err
		}
		defer n.Close()
	}

	done := make(chan error, 1)
	go func() { done <- nodeB.Run(ctx) }()
	if err := nodeA.Run(ctx); err != nil {
		return err
	}
	if err := <-done; err != nil {
		return err
	}

	// Closing waits for outstanding completions.
	_ = nodeA.Close()
	_ = nodeB.Close()

	for _, n := range []struct {
		name string
		node *transport.Node
	}{{"Device_A", nodeA}, {"Device_B", nodeB}} {
		stats := n.node.Observer().Stats()
		for _, origin := range []proto.Origin{proto.OriginPeriodic, proto.OriginReply} {
			if s, ok := stats[origin]; ok {
				fmt.Fprintf(out, "%s %-8s delivered=%d failed=%d\n", n.name, origin, s.Delivered, s.Failed)
			}
		}
	}
	return nil
}

func init() {
	f := demoCmd.Flags()
	f.DurationVar(&demoFlags.duration, "duration", 10*time.Second, "how long to run")
	f.DurationVar(&demoFlags.interval, "interval", time.Second, "Device_A send interval")
	f.DurationVar(&demoFlags.latency, "latency", 5*time.Millisecond, "simulated air time per datagram")
	f.IntVar(&demoFlags.lossRate, "loss-every", 0, "lose every Nth datagram, 0 for a perfect medium")
	rootCmd.AddCommand(demoCmd)
}
