package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hmitools/winccdbg/internal/config"
	"github.com/hmitools/winccdbg/internal/scaffold"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a .vscode/launch.json with attach configurations",
	Long: `Write a .vscode/launch.json into the project with one attach
configuration per proxy channel (WinCC:Dynamics, WinCC:Events) and a
WinCC:All compound starting both.

Each configuration carries "restart": true, which is what makes the IDE
reattach after the proxy drops the socket on target churn. An existing
launch.json is never modified; the configuration is printed for manual
merging instead.

Examples:
  winccdbg init
  winccdbg init -o ~/projects/hmi -d 9240 -e 9241`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		dir, _ := f.GetString("output")
		dynamicsPort, _ := f.GetInt("dynamics-port")
		eventsPort, _ := f.GetInt("events-port")

		confirm := scaffold.StdinConfirm(os.Stdin, os.Stdout)
		return scaffold.WriteLaunchJSON(dir, dynamicsPort, eventsPort, confirm, os.Stdout)
	},
}

func init() {
	f := initCmd.Flags()
	f.StringP("output", "o", ".", "project directory to write .vscode/launch.json into")
	f.IntP("dynamics-port", "d", config.DefaultDynamicsPort, "local port for the Dynamics channel")
	f.IntP("events-port", "e", config.DefaultEventsPort, "local port for the Events channel")
}
