package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for requery.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requery",
		Short: "Audit whether repeated executions of a query return a consistent record set",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Show help when no subcommand is provided.
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute runs the root command with provided args.
func Execute(args []string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}
