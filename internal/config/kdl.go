package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// ProjectConfigFile is the optional per-project defaults file. Flags given
// on the command line always win over values loaded from it.
const ProjectConfigFile = ".winccdbg.kdl"

// kdlConfig mirrors the KDL document structure.
type kdlConfig struct {
	Target *kdlTarget `kdl:"target"`
	Proxy  *kdlProxy  `kdl:"proxy"`
	Dump   *kdlDump   `kdl:"dump"`
}

type kdlTarget struct {
	Host string `kdl:"host"`
	Port int    `kdl:"port"`
}

type kdlProxy struct {
	DynamicsPort int `kdl:"dynamics-port"`
	EventsPort   int `kdl:"events-port"`
	PollInterval int `kdl:"poll-interval"`
}

type kdlDump struct {
	Dir        string `kdl:"dir"`
	LongPaths  bool   `kdl:"long-paths"`
	Styleguide string `kdl:"styleguide"`
}

// LoadProjectConfig returns defaults merged with the project's
// .winccdbg.kdl, if one exists in dir. A missing file is not an error.
func LoadProjectConfig(dir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(dir, ProjectConfigFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := mergeKDL(cfg, data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ParseProjectConfig parses KDL data over the default configuration.
func ParseProjectConfig(data string) (*Config, error) {
	cfg := Default()
	if err := mergeKDL(cfg, []byte(data)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeKDL(cfg *Config, data []byte) error {
	var doc kdlConfig
	if err := kdl.Unmarshal(data, &doc); err != nil {
		return err
	}

	if doc.Target != nil {
		if doc.Target.Host != "" {
			cfg.TargetHost = doc.Target.Host
		}
		if doc.Target.Port > 0 {
			cfg.TargetPort = doc.Target.Port
		}
	}
	if doc.Proxy != nil {
		if doc.Proxy.DynamicsPort > 0 {
			cfg.DynamicsPort = doc.Proxy.DynamicsPort
		}
		if doc.Proxy.EventsPort > 0 {
			cfg.EventsPort = doc.Proxy.EventsPort
		}
		if doc.Proxy.PollInterval > 0 {
			cfg.PollInterval = time.Duration(doc.Proxy.PollInterval) * time.Second
		}
	}
	if doc.Dump != nil {
		if doc.Dump.Dir != "" {
			cfg.DumpDir = doc.Dump.Dir
		}
		cfg.LongPaths = doc.Dump.LongPaths
		if doc.Dump.Styleguide != "" {
			cfg.StyleguideVersion = doc.Dump.Styleguide
		}
	}
	return nil
}
