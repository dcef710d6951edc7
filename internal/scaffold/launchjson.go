// Package scaffold generates the one-time setup artifacts around the
// proxy: the VS Code attach configuration, the netsh scripts for remote
// runtimes, and the per-version editor tooling for dumped scripts.
package scaffold

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ConfirmFunc asks the user a yes/no question. Generators never write over
// anything without going through one.
type ConfirmFunc func(prompt string) bool

// StdinConfirm returns a ConfirmFunc that prompts on out and reads one
// line from in. An empty answer means yes.
func StdinConfirm(in io.Reader, out io.Writer) ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(prompt string) bool {
		fmt.Fprintf(out, "%s [Y/n] ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "", "y", "yes":
			return true
		default:
			return false
		}
	}
}

type launchConfiguration struct {
	Type                      string   `json:"type"`
	Request                   string   `json:"request"`
	Name                      string   `json:"name"`
	Address                   string   `json:"address"`
	Port                      int      `json:"port"`
	Restart                   bool     `json:"restart"`
	Timeout                   int      `json:"timeout"`
	SourceMaps                bool     `json:"sourceMaps"`
	ResolveSourceMapLocations []string `json:"resolveSourceMapLocations"`
	SkipFiles                 []string `json:"skipFiles"`
	SmartStep                 bool     `json:"smartStep"`
	PauseForSourceMap         bool     `json:"pauseForSourceMap"`
}

type launchCompound struct {
	Name           string   `json:"name"`
	Configurations []string `json:"configurations"`
	StopAll        bool     `json:"stopAll"`
}

type launchFile struct {
	Version        string                `json:"version"`
	Configurations []launchConfiguration `json:"configurations"`
	Compounds      []launchCompound      `json:"compounds"`
}

func attachConfiguration(name string, port int) launchConfiguration {
	return launchConfiguration{
		Type:    "node",
		Request: "attach",
		Name:    name,
		Address: "localhost",
		Port:    port,
		// restart makes the js-debug client redial after the proxy drops
		// the socket on target churn. Without it the whole scheme falls
		// apart.
		Restart:                   true,
		Timeout:                   30000,
		SourceMaps:                true,
		ResolveSourceMapLocations: []string{"**", "!**/node_modules/**"},
		SkipFiles:                 []string{"<node_internals>/**"},
		SmartStep:                 true,
		PauseForSourceMap:         true,
	}
}

// LaunchJSON renders the .vscode/launch.json contents for the two channel
// ports: one attach configuration per channel plus a compound starting
// both.
func LaunchJSON(dynamicsPort, eventsPort int) ([]byte, error) {
	doc := launchFile{
		Version: "0.2.0",
		Configurations: []launchConfiguration{
			attachConfiguration("WinCC:Dynamics", dynamicsPort),
			attachConfiguration("WinCC:Events", eventsPort),
		},
		Compounds: []launchCompound{{
			Name:           "WinCC:All",
			Configurations: []string{"WinCC:Dynamics", "WinCC:Events"},
			StopAll:        true,
		}},
	}
	return json.MarshalIndent(doc, "", "    ")
}

// WriteLaunchJSON writes .vscode/launch.json under dir. An existing file
// is never touched: its intended contents are printed for manual merging.
// A declined confirmation prints the contents too, so nothing is lost.
func WriteLaunchJSON(dir string, dynamicsPort, eventsPort int, confirm ConfirmFunc, out io.Writer) error {
	content, err := LaunchJSON(dynamicsPort, eventsPort)
	if err != nil {
		return fmt.Errorf("rendering launch.json: %w", err)
	}

	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	vscodeDir := filepath.Join(dir, ".vscode")
	path := filepath.Join(vscodeDir, "launch.json")

	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "Warning: %s already exists!\n", path)
		fmt.Fprintf(out, "Please merge the following configuration manually:\n\n%s\n", content)
		return nil
	}

	if !confirm(fmt.Sprintf("Create launch.json in %s?", vscodeDir)) {
		fmt.Fprintf(out, "\nCopy this configuration to your launch.json:\n\n%s\n", content)
		return nil
	}

	if err := os.MkdirAll(vscodeDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", vscodeDir, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	fmt.Fprintf(out, "\nCreated: %s\n\n", path)
	fmt.Fprintf(out, "VS Code debug configurations added:\n")
	fmt.Fprintf(out, "  - WinCC:Dynamics (port %d)\n", dynamicsPort)
	fmt.Fprintf(out, "  - WinCC:Events (port %d)\n", eventsPort)
	fmt.Fprintf(out, "  - WinCC:All (both)\n")
	return nil
}
