package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hmitools/winccdbg/internal/cdp"
	"github.com/hmitools/winccdbg/internal/config"
	"github.com/hmitools/winccdbg/internal/discovery"
	"github.com/hmitools/winccdbg/internal/dump"
	"github.com/hmitools/winccdbg/internal/logging"
	"github.com/hmitools/winccdbg/internal/relay"
	"github.com/hmitools/winccdbg/internal/scaffold"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the debug proxy (the default when no command is given)",
	Long: `Run the proxy: poll the WinCC runtime's debug target list and relay
the IDE's debug sessions onto the current Dynamics and Events targets.

Values from a .winccdbg.kdl in the working directory are applied first;
explicit flags win over the file.

Examples:
  winccdbg run
  winccdbg run -t hmi-panel -p 9222
  winccdbg run --dump ./wincc-scripts --styleguide v19
  winccdbg run -v -i 2s`,
	RunE: runProxy,
}

func init() {
	addRunFlags(runCmd)
}

// addRunFlags registers the proxy flags. They live on both the root
// command and run, which are the same operation.
func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("target", "t", config.DefaultTargetHost, "WinCC runtime host")
	f.IntP("port", "p", config.DefaultTargetPort, "WinCC remote debug port")
	f.IntP("dynamics-port", "d", config.DefaultDynamicsPort, "local port for the Dynamics channel")
	f.IntP("events-port", "e", config.DefaultEventsPort, "local port for the Events channel")
	f.DurationP("interval", "i", config.DefaultPollInterval, "target discovery poll interval")
	f.BoolP("verbose", "v", false, "debug logging")
	f.BoolP("very-verbose", "V", false, "debug logging plus every relayed frame")
	f.BoolP("long-paths", "l", false, "keep full script URLs instead of shortened paths")
	f.String("dump", "", "dump script sources into this directory")
	f.String("styleguide", "", "write editor tooling for a runtime version into the dump directory (v17..v21)")
}

// loadRunConfig merges the project defaults file with the command's flags.
// Only flags the user actually set override the file.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadProjectConfig(".")
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("target") {
		cfg.TargetHost, _ = f.GetString("target")
	}
	if f.Changed("port") {
		cfg.TargetPort, _ = f.GetInt("port")
	}
	if f.Changed("dynamics-port") {
		cfg.DynamicsPort, _ = f.GetInt("dynamics-port")
	}
	if f.Changed("events-port") {
		cfg.EventsPort, _ = f.GetInt("events-port")
	}
	if f.Changed("interval") {
		cfg.PollInterval, _ = f.GetDuration("interval")
	}
	if f.Changed("long-paths") {
		cfg.LongPaths, _ = f.GetBool("long-paths")
	}
	if f.Changed("dump") {
		cfg.DumpDir, _ = f.GetString("dump")
	}
	if f.Changed("styleguide") {
		cfg.StyleguideVersion, _ = f.GetString("styleguide")
	}
	cfg.Verbose, _ = f.GetBool("verbose")
	cfg.VeryVerbose, _ = f.GetBool("very-verbose")
	return cfg, nil
}

func runProxy(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(cfg.Verbose || cfg.VeryVerbose)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("%s v%s", appName, appVersion)
	log.Infof("runtime debug port: %s:%d, polling every %s", cfg.TargetHost, cfg.TargetPort, cfg.PollInterval)

	if cfg.DumpDir != "" {
		for _, ch := range cdp.Channels() {
			if err := dump.CleanDir(cfg.DumpDir, string(ch)); err != nil {
				log.Warnf("cannot clean %s dump directory: %v", ch, err)
			}
		}
		log.Infof("dumping script sources to %s", cfg.DumpDir)
		if cfg.StyleguideVersion != "" {
			if err := scaffold.WriteStyleguide(cfg.StyleguideVersion, cfg.DumpDir, os.Stdout); err != nil {
				return err
			}
			scaffold.InstallLint(ctx, cfg.DumpDir, log)
		}
	}

	ports := map[cdp.Channel]int{
		cdp.ChannelDynamics: cfg.DynamicsPort,
		cdp.ChannelEvents:   cfg.EventsPort,
	}
	managers := make(map[cdp.Channel]*relay.Manager, len(ports))
	for _, ch := range cdp.Channels() {
		m := relay.NewManager(relay.ManagerConfig{
			Channel:     ch,
			ListenPort:  ports[ch],
			TargetHost:  cfg.TargetHost,
			TargetPort:  cfg.TargetPort,
			DumpDir:     cfg.DumpDir,
			LongPaths:   cfg.LongPaths,
			TraceFrames: cfg.VeryVerbose,
			Log:         log,
		})
		if err := m.Start(ctx); err != nil {
			return err
		}
		managers[ch] = m
	}

	poller := discovery.NewPoller(discovery.PollerConfig{
		TargetHost: cfg.TargetHost,
		TargetPort: cfg.TargetPort,
		Interval:   cfg.PollInterval,
		Attached: func(ch cdp.Channel) string {
			return managers[ch].AttachedKey()
		},
		Log: log,
	})

	var wg sync.WaitGroup
	for _, ch := range cdp.Channels() {
		wg.Add(1)
		go func(ch cdp.Channel) {
			defer wg.Done()
			managers[ch].Run(ctx, poller.Subscribe(ch))
		}(ch)
	}

	log.Infof("attach your IDE to ws://127.0.0.1:%d (Dynamics) and ws://127.0.0.1:%d (Events)",
		cfg.DynamicsPort, cfg.EventsPort)

	// No point polling before the debug port answers at all; this also
	// prints the firewall hints when it never does.
	if err := discovery.WaitForTarget(ctx, cfg.TargetHost, cfg.TargetPort, cfg.PollInterval, log); err == nil {
		poller.Run(ctx)
	}

	wg.Wait()
	log.Infof("shutdown complete")
	return nil
}
