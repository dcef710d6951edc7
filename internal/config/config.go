// Package config holds the proxy's runtime configuration and its startup
// validation. Configuration errors are the only errors fatal to the whole
// process, so Validate reports them with enough detail to act on.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Default ports for the WinCC Unified debug setup.
const (
	DefaultTargetHost   = "localhost"
	DefaultTargetPort   = 9222
	DefaultDynamicsPort = 9230
	DefaultEventsPort   = 9231
	DefaultPollInterval = time.Second
)

// StyleguideVersions lists the TIA Portal / WinCC Unified versions with
// embedded editor tooling assets.
var StyleguideVersions = []string{"v17", "v18", "v19", "v20", "v21"}

// Config is the complete configuration for one proxy run.
type Config struct {
	// TargetHost and TargetPort locate the runtime's debug endpoint.
	TargetHost string
	TargetPort int

	// DynamicsPort and EventsPort are the stable local proxy ports the
	// IDE attaches to.
	DynamicsPort int
	EventsPort   int

	// PollInterval is the target discovery polling interval.
	PollInterval time.Duration

	// Verbose enables lifecycle debug logging; VeryVerbose additionally
	// logs every relayed frame.
	Verbose     bool
	VeryVerbose bool

	// LongPaths disables script URL shortening everywhere it would apply.
	LongPaths bool

	// DumpDir enables continuous script dumping when non-empty.
	DumpDir string

	// StyleguideVersion selects the editor tooling assets written into
	// the dump directory. Requires DumpDir.
	StyleguideVersion string
}

// Default returns the configuration used when the proxy is started without
// flags.
func Default() *Config {
	return &Config{
		TargetHost:   DefaultTargetHost,
		TargetPort:   DefaultTargetPort,
		DynamicsPort: DefaultDynamicsPort,
		EventsPort:   DefaultEventsPort,
		PollInterval: DefaultPollInterval,
	}
}

// Validate checks the configuration before any channel starts.
func (c *Config) Validate() error {
	var errs []error

	if c.TargetHost == "" {
		errs = append(errs, errors.New("target host must not be empty"))
	}
	for name, port := range map[string]int{
		"target port":   c.TargetPort,
		"dynamics port": c.DynamicsPort,
		"events port":   c.EventsPort,
	} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range 1-65535", name, port))
		}
	}
	if c.DynamicsPort == c.EventsPort {
		errs = append(errs, fmt.Errorf("dynamics and events ports must differ (both %d)", c.DynamicsPort))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.StyleguideVersion != "" {
		if c.DumpDir == "" {
			errs = append(errs, errors.New("--styleguide requires --dump"))
		}
		if !validStyleguideVersion(c.StyleguideVersion) {
			errs = append(errs, fmt.Errorf("unknown styleguide version %q (supported: %v)",
				c.StyleguideVersion, StyleguideVersions))
		}
	}
	if c.DumpDir != "" {
		if err := checkDumpDir(c.DumpDir); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func validStyleguideVersion(v string) bool {
	for _, s := range StyleguideVersions {
		if s == v {
			return true
		}
	}
	return false
}

// checkDumpDir verifies the dump directory exists or can be created.
func checkDumpDir(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("dump path %s exists and is not a directory", dir)
		}
		return nil
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create dump directory %s: %w", dir, err)
		}
		return nil
	default:
		return fmt.Errorf("cannot access dump directory %s: %w", dir, err)
	}
}
