// Package main is the entry point for the zrchat client.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "zrchat",
		Short:         "ZRChat client engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "TOML config file; environment variables take precedence")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override LOG_LEVEL")

	cmd.AddCommand(
		newServeCmd(flags),
		newConversationsCmd(flags),
		newHistoryCmd(flags),
		newSendCmd(flags),
		newUsersCmd(flags),
		newMigrateCmd(flags),
	)
	return cmd
}
