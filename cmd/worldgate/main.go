// worldgate is a world-socket session server: it runs the handshake,
// encrypts and frames client traffic, and hands authenticated connections
// to the session update loop.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	AppName    = "worldgate"
	AppVersion = "1.0.0"
	Banner     = `
                    _     _             _
 __      _____  _ __| | __| | __ _  __ _| |_ ___
 \ \ /\ / / _ \| '__| |/ _' |/ _' |/ _' | __/ _ \
  \ V  V / (_) | |  | | (_| | (_| | (_| | ||  __/
   \_/\_/ \___/|_|  |_|\__,_|\__, |\__,_|\__\___|
                             |___/  v%s
 World socket session server
`
)

type rootFlags struct {
	configDir string
}

func newRootCommand() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "World socket session server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags, serveFlags{console: true})
		},
	}
	cmd.PersistentFlags().StringVarP(&flags.configDir, "config-dir", "c", "config",
		"directory holding config.json")

	cmd.AddCommand(
		newServeCommand(&flags),
		newAccountCommand(&flags),
		newIPCommand(&flags),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s/%s, %s)\n",
				AppName, AppVersion, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
