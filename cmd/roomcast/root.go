// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the roomcast CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roomcast",
		Short: "Roomcast - a real-time multi-room chat server",
		Long: `Roomcast is a real-time chat server with multi-room fan-out,
presence tracking, and persistent message history over WebSocket.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}
