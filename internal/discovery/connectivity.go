package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const dialTimeout = 5 * time.Second

// WaitForTarget blocks until a TCP connection to the runtime's debug port
// succeeds or ctx is cancelled. Run before the first discovery poll so the
// startup banner is not immediately followed by fetch errors.
func WaitForTarget(ctx context.Context, host string, port int, interval time.Duration, log *zap.SugaredLogger) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: dialTimeout}
	shownHints := false

	for {
		log.Debugf("checking TCP connectivity to %s", addr)
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			log.Infof("target %s is reachable", addr)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !shownHints {
			log.Warnf("cannot connect to %s: %v", addr, err)
			log.Warn("troubleshooting:")
			log.Warn("  - is WinCC Unified running with debugging enabled?")
			log.Warn("  - check firewall rules for the debug port (in/out)")
			log.Warn("  - if remote: verify netsh portproxy is configured")
			log.Warn("  - after a Windows restart: delete and re-add the netsh rules")
			shownHints = true
		}
		log.Infof("retrying in %s...", interval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
