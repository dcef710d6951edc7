package scaffold

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// The WinCC runtime only listens on loopback, so debugging it from another
// machine needs a Windows port proxy plus firewall openings on the runtime
// host. These scripts are meant to be run there as Administrator.

const netshSetupScript = `@echo off
echo Setting up WinCC remote debug on %[1]s:%[2]d...

:: Remove existing rules (safe if they don't exist)
netsh interface portproxy delete v4tov4 listenaddress=%[1]s listenport=%[2]d
netsh advfirewall firewall delete rule name="WinCC Debug %[2]d IN" >nul 2>&1
netsh advfirewall firewall delete rule name="WinCC Debug %[2]d OUT" >nul 2>&1

:: Add port proxy and firewall rules
netsh interface portproxy add v4tov4 listenaddress=%[1]s listenport=%[2]d connectaddress=127.0.0.1 connectport=%[2]d
netsh advfirewall firewall add rule name="WinCC Debug %[2]d IN" dir=in action=allow protocol=tcp localport=%[2]d
netsh advfirewall firewall add rule name="WinCC Debug %[2]d OUT" dir=out action=allow protocol=tcp localport=%[2]d

echo Done! Port proxy and firewall rules configured.
pause
`

// Port proxy rules do not survive a Windows restart reliably; this one
// just re-applies the proxy without touching the firewall.
const netshRestartScript = `@echo off
echo Fixing WinCC remote debug port proxy for %[1]s:%[2]d (post-restart fix)...

netsh interface portproxy delete v4tov4 listenaddress=%[1]s listenport=%[2]d
netsh interface portproxy add v4tov4 listenaddress=%[1]s listenport=%[2]d connectaddress=127.0.0.1 connectport=%[2]d

echo Done! Port proxy rule re-applied.
pause
`

const netshCleanupScript = `@echo off
echo Removing WinCC remote debug rules for %[1]s:%[2]d...

netsh interface portproxy delete v4tov4 listenaddress=%[1]s listenport=%[2]d
netsh advfirewall firewall delete rule name="WinCC Debug %[2]d IN"
netsh advfirewall firewall delete rule name="WinCC Debug %[2]d OUT"

echo Done! All rules removed.
pause
`

type netshFile struct {
	name    string
	content string
}

func netshFiles(address string, port int) []netshFile {
	slug := strings.ReplaceAll(address, ".", "-")
	return []netshFile{
		{fmt.Sprintf("wincc-debug-setup-%s.bat", slug), fmt.Sprintf(netshSetupScript, address, port)},
		{fmt.Sprintf("wincc-debug-restart-%s.bat", slug), fmt.Sprintf(netshRestartScript, address, port)},
		{fmt.Sprintf("wincc-debug-cleanup-%s.bat", slug), fmt.Sprintf(netshCleanupScript, address, port)},
	}
}

// WriteNetshScripts writes the setup, restart and cleanup .bat scripts for
// one listen address into dir. Existing files are shown before asking to
// overwrite them.
func WriteNetshScripts(dir, address string, port int, confirm ConfirmFunc, out io.Writer) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}

	files := netshFiles(address, port)

	var existing []netshFile
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(dir, f.name)); err == nil {
			existing = append(existing, f)
		}
	}

	if len(existing) > 0 {
		fmt.Fprintf(out, "Warning: the following files already exist in %s:\n", dir)
		for _, f := range existing {
			path := filepath.Join(dir, f.name)
			fmt.Fprintf(out, "\n  %s\n  Current contents:\n", path)
			if contents, err := os.ReadFile(path); err == nil {
				for _, line := range strings.Split(strings.TrimRight(string(contents), "\n"), "\n") {
					fmt.Fprintf(out, "    %s\n", line)
				}
			}
		}
		fmt.Fprintln(out)
		if !confirm("Overwrite existing files?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	} else if !confirm(fmt.Sprintf("Generate netsh .bat scripts for %s:%d in %s?", address, port, dir)) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	fmt.Fprintln(out)
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Fprintf(out, "Created: %s\n", path)
	}

	slug := strings.ReplaceAll(address, ".", "-")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Run these .bat files as Administrator on the WinCC machine:")
	fmt.Fprintf(out, "  wincc-debug-setup-%s.bat   - First-time setup (port proxy + firewall rules)\n", slug)
	fmt.Fprintf(out, "  wincc-debug-restart-%s.bat - After Windows restart (re-apply port proxy)\n", slug)
	fmt.Fprintf(out, "  wincc-debug-cleanup-%s.bat - Remove all rules\n", slug)
	return nil
}
