package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Switchboard message routing hub",
	Long: `Switchboard is a multi-tenant message routing hub.

It ingests events from channel connectors, triages them through a
deterministic rule engine, and hands matched events to registered workers
over a durable accept-then-dispatch queue.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
}
