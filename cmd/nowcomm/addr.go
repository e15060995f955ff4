package main

import (
	"fmt"

	"github.com/spf13/cobra"

	proto "github.com/ystepanoff/nowcomm/protocol"
)

var addrCmd = &cobra.Command{
	Use:   "addr",
	Short: "Print this node's link address",
	Long: `Prints local_address from the configuration. When none is configured a
random locally administered address is generated; put it in the config so
the peer can be told about it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.LocalAddress
		if addr.IsZero() {
			var err error
			addr, err = proto.RandomAddress()
			if err != nil {
				return fmt.Errorf("failed to generate address: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (generated)\n", addr)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), addr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(addrCmd)
}
