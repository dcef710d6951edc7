package scaffold

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// One directory per supported runtime version. The all: prefix pulls in
// the dotfiles (.eslintrc.json) that plain embed patterns skip.
//
//go:embed all:assets
var styleguideAssets embed.FS

// Versions returns the embedded styleguide versions in ascending order.
func Versions() []string {
	entries, err := fs.ReadDir(styleguideAssets, "assets")
	if err != nil {
		return nil
	}
	versions := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	sort.Strings(versions)
	return versions
}

// dtsName returns the runtime type stub's file name for a version. Siemens
// ships the stub unqualified for V17 and version-qualified from V18 on,
// and jsconfig.json references it by that name.
func dtsName(version string) string {
	if version == "v17" {
		return "ua_rt_device.d.ts"
	}
	return "ua_rt_device_" + strings.ToUpper(version) + ".d.ts"
}

// WriteStyleguide writes one runtime version's editor tooling into dir:
// the HMIRuntime type stub, an ESLint configuration, a jsconfig and a
// package manifest. Files are overwritten; the dump directory is owned by
// this tool.
func WriteStyleguide(version, dir string, out io.Writer) error {
	base := path.Join("assets", version)
	if _, err := fs.Stat(styleguideAssets, base); err != nil {
		return fmt.Errorf("unknown styleguide version %q (supported: %s)",
			version, strings.Join(Versions(), ", "))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}

	names := []string{dtsName(version), ".eslintrc.json", "jsconfig.json", "package.json"}

	fmt.Fprintf(out, "Writing WinCC Unified %s styleguide to %s\n", version, dir)
	for _, name := range names {
		content, err := fs.ReadFile(styleguideAssets, path.Join(base, name))
		if err != nil {
			return fmt.Errorf("reading embedded asset %s/%s: %w", version, name, err)
		}
		dest := filepath.Join(dir, name)
		if err := os.WriteFile(dest, content, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", dest, err)
		}
		fmt.Fprintf(out, "  Created: %s\n", dest)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. npm install        (install ESLint)")
	fmt.Fprintln(out, "  2. npx eslint .       (lint your scripts)")
	fmt.Fprintln(out, "  3. Open in VS Code    (IntelliSense via jsconfig.json)")
	return nil
}

// InstallLint runs npm install in dir so the generated ESLint setup works
// out of the box. npm being missing or failing is reported, never fatal.
func InstallLint(ctx context.Context, dir string, log *zap.SugaredLogger) {
	log.Infof("running npm install in %s", dir)
	cmd := exec.CommandContext(ctx, "npm", "install")
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		log.Warnf("npm install failed, run it manually in %s: %v", dir, err)
		if len(output) > 0 {
			log.Debugf("npm output: %s", output)
		}
		return
	}
	log.Infof("npm install completed, ESLint ready")
}
