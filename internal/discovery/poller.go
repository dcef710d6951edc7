package discovery

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/hmitools/winccdbg/internal/cdp"
)

// fetchTimeout bounds one discovery fetch so a hung runtime cannot stall
// the poll loop past a single cycle's worth of work.
const fetchTimeout = 10 * time.Second

// Event tells a channel which target it should currently be attached to.
// A nil Target means no target is available for the channel.
type Event struct {
	Channel cdp.Channel
	Target  *cdp.Target
}

// AttachedFunc reports the key of the target a channel's live relay
// session is attached to, or "" when the channel has no session. The
// poller only ever reads this; session state is owned by the channel
// manager.
type AttachedFunc func(cdp.Channel) string

// PollerConfig configures a Poller.
type PollerConfig struct {
	TargetHost string
	TargetPort int
	Interval   time.Duration

	// Attached is consulted each cycle to detect a live session whose
	// target has vanished or been outranked.
	Attached AttachedFunc

	// Classifiers defaults to cdp.DefaultClassifiers.
	Classifiers map[cdp.Channel]cdp.Classifier

	// Client and Clock exist for tests; both default to the real thing.
	Client *http.Client
	Clock  clock.Clock

	Log *zap.SugaredLogger
}

// Poller periodically fetches the runtime's target list and publishes a
// per-channel event whenever the selected target changes. It is the sole
// trigger for involuntary relay teardown. Fetch failures are never treated
// as "all targets removed"; the poller logs and keeps trying forever.
type Poller struct {
	cfg PollerConfig

	selectors    map[cdp.Channel]*Selector
	lastSelected map[cdp.Channel]string
	subs         map[cdp.Channel]chan Event

	failures int
	online   bool
}

// NewPoller creates a poller. Subscribe for each channel before Run.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: fetchTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Classifiers == nil {
		cfg.Classifiers = cdp.DefaultClassifiers()
	}
	if cfg.Attached == nil {
		cfg.Attached = func(cdp.Channel) string { return "" }
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}

	p := &Poller{
		cfg:          cfg,
		selectors:    make(map[cdp.Channel]*Selector),
		lastSelected: make(map[cdp.Channel]string),
		subs:         make(map[cdp.Channel]chan Event),
	}
	for ch := range cfg.Classifiers {
		p.selectors[ch] = NewSelector()
		p.subs[ch] = make(chan Event, 1)
	}
	return p
}

// Subscribe returns the event stream for one channel. The stream carries
// only the latest event; a slow consumer sees the newest state, not a
// backlog.
func (p *Poller) Subscribe(ch cdp.Channel) <-chan Event {
	return p.subs[ch]
}

// Run polls once immediately, then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.cfg.Clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	targets, err := cdp.FetchTargets(fetchCtx, p.cfg.Client, p.cfg.TargetHost, p.cfg.TargetPort)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.onFetchFailure(err)
		return
	}
	p.onFetchSuccess(targets)
}

// onFetchFailure treats any fetch problem as "no change this cycle". The
// first failure is reported loudly, followups are throttled so a runtime
// restart does not flood the console.
func (p *Poller) onFetchFailure(err error) {
	p.failures++
	switch {
	case p.failures == 1:
		p.cfg.Log.Errorf("cannot reach WinCC at %s:%d: %v (retrying every %s)",
			p.cfg.TargetHost, p.cfg.TargetPort, err, p.cfg.Interval)
	case p.failures%5 == 0:
		p.cfg.Log.Infof("still cannot reach WinCC (%d failed attempts)", p.failures)
	}
	p.online = false
}

func (p *Poller) onFetchSuccess(targets []cdp.Target) {
	if p.failures > 0 {
		p.cfg.Log.Infof("WinCC target server is back online")
		p.failures = 0
	}
	if !p.online {
		p.online = true
		p.cfg.Log.Infof("WinCC target server connected at %s:%d", p.cfg.TargetHost, p.cfg.TargetPort)
	}
	p.cfg.Log.Debugf("received %d debug targets", len(targets))

	for ch, classify := range p.cfg.Classifiers {
		candidates := lo.Filter(targets, func(t cdp.Target, _ int) bool {
			return classify(t)
		})
		p.updateChannel(ch, candidates)
	}
}

func (p *Poller) updateChannel(ch cdp.Channel, candidates []cdp.Target) {
	selected := p.selectors[ch].Select(candidates)
	selectedKey := ""
	if selected != nil {
		selectedKey = selected.Key()
	}

	attached := p.cfg.Attached(ch)
	changed := selectedKey != p.lastSelected[ch]
	stale := attached != "" && attached != selectedKey
	p.lastSelected[ch] = selectedKey

	if !changed && !stale {
		return
	}
	if len(candidates) > 1 {
		p.cfg.Log.Warnf("multiple %s targets (%d), selecting the most recent", ch, len(candidates))
	}
	p.publish(ch, selected)
}

// publish delivers the latest event without ever blocking the poll loop:
// an unconsumed older event is replaced.
func (p *Poller) publish(ch cdp.Channel, t *cdp.Target) {
	c := p.subs[ch]
	for {
		select {
		case c <- Event{Channel: ch, Target: t}:
			return
		default:
			select {
			case <-c:
			default:
			}
		}
	}
}
