package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hmitools/winccdbg/internal/config"
	"github.com/hmitools/winccdbg/internal/scaffold"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate netsh scripts for debugging a remote runtime",
	Long: `Generate the Windows netsh .bat scripts needed to debug a WinCC
runtime on another machine. The runtime only listens on loopback, so
the remote host needs a port proxy from its external address plus
firewall openings.

Three scripts are written, to be run as Administrator on the WinCC
machine:
  setup    first-time port proxy and firewall configuration
  restart  re-apply the port proxy after a Windows restart
  cleanup  remove everything again

Examples:
  winccdbg generate -a 192.168.0.10
  winccdbg generate -a 192.168.0.10 -p 9222 -o ./scripts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		address, _ := f.GetString("address")
		port, _ := f.GetInt("port")
		dir, _ := f.GetString("output")

		confirm := scaffold.StdinConfirm(os.Stdin, os.Stdout)
		return scaffold.WriteNetshScripts(dir, address, port, confirm, os.Stdout)
	},
}

func init() {
	f := generateCmd.Flags()
	f.StringP("address", "a", "", "external address of the WinCC machine (required)")
	f.IntP("port", "p", config.DefaultTargetPort, "debug port to forward")
	f.StringP("output", "o", ".", "directory to write the .bat scripts into")
	generateCmd.MarkFlagRequired("address")
}
