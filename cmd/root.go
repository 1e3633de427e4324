// Package cmd defines the parley command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - streaming conversational AI session service",
	Long: `Parley is a conversational AI session service.

It accepts chat messages over WebSocket, streams model replies back
token by token, persists every turn to PostgreSQL, and summarizes each
session when it ends. Session state, summaries, and ratings are exposed
over a small REST API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Bare invocation starts the server.
		return runServe(cmd, args)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
