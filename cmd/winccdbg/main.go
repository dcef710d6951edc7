package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	appName    = "winccdbg"
	appVersion = "1.2.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Reconnecting debug proxy for WinCC Unified scripts",
	Long: `Winccdbg sits between your IDE's JavaScript debugger and a WinCC
Unified runtime's remote debug port. The runtime recreates its debug
targets whenever a screen loads or a script context restarts, which
kills a directly attached debugger; the proxy gives the IDE two stable
local ports instead:

  ws://127.0.0.1:9230  Dynamics scripts (tag and property dynamics)
  ws://127.0.0.1:9231  Events scripts (screen and screen item events)

The proxy polls the runtime's target list, always relays to the most
recently created target of each kind, and drops the IDE's socket when
the target changes so a "restart": true attach configuration reattaches
automatically.

Optionally dumps every script the runtime reports to disk (--dump) and
installs per-version editor tooling for the dumped sources
(--styleguide).

Run without arguments to start proxying with the default ports.`,
	Version: appVersion,
	// Bare invocation starts the proxy; most users double-click the exe
	// or run it with no arguments at all.
	RunE:          runProxy,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	addRunFlags(rootCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(generateCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
