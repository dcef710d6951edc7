// Package cdp holds the small slice of the Chrome DevTools Protocol this
// tool needs: the /json target descriptors exposed by the WinCC Unified
// runtime and the logic that classifies them into proxy channels.
package cdp

import (
	"strconv"
	"strings"
)

// Channel is one of the two logical script execution contexts WinCC
// Unified exposes as separate debug targets.
type Channel string

const (
	ChannelDynamics Channel = "Dynamics"
	ChannelEvents   Channel = "Events"
)

// Channels returns both proxy channels in a stable order.
func Channels() []Channel {
	return []Channel{ChannelDynamics, ChannelEvents}
}

// Target is one debuggable context as reported by the runtime's /json
// discovery endpoint. Targets are immutable snapshots; the runtime assigns
// a fresh identity every time a screen reloads or a context restarts.
type Target struct {
	Description          string `json:"description"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Key returns the identity used to detect target churn between polls.
// WinCC encodes the volatile part of a target's identity in the final
// path segment of its WebSocket debugger URL, so that segment is compared
// rather than the id field, which some runtime versions reuse.
func (t Target) Key() string {
	if p := t.DebuggerPath(); p != "" {
		return p
	}
	return t.ID
}

// DebuggerPath returns the last path segment of the target's WebSocket
// debugger URL, or "" if the URL is empty or ends in a slash.
func (t Target) DebuggerPath() string {
	u := t.WebSocketDebuggerURL
	if u == "" {
		return ""
	}
	if i := strings.LastIndex(u, "/"); i >= 0 {
		return u[i+1:]
	}
	return u
}

// ActivityHint extracts the runtime's ordering hint from the target title.
// WinCC embeds a monotonically increasing counter in titles like
// " @localhost VCS_8 Dynamics"; a recreated context always carries a higher
// number than its predecessor. Returns false when the title carries none.
func (t Target) ActivityHint() (int, bool) {
	_, rest, found := strings.Cut(t.Title, "VCS_")
	if !found {
		return 0, false
	}
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Classifier decides whether a target belongs to a channel. Classification
// is heuristic text matching and runtime versions differ in their title
// wording, so it is pluggable rather than baked into the proxy.
type Classifier func(Target) bool

// TitleClassifier matches targets whose title contains the given substring,
// case-insensitively.
func TitleClassifier(substr string) Classifier {
	substr = strings.ToLower(substr)
	return func(t Target) bool {
		return strings.Contains(strings.ToLower(t.Title), substr)
	}
}

// DefaultClassifiers returns the classifiers matching the title patterns
// current WinCC Unified runtimes emit.
func DefaultClassifiers() map[Channel]Classifier {
	return map[Channel]Classifier{
		ChannelDynamics: TitleClassifier("dynamics"),
		ChannelEvents:   TitleClassifier("events"),
	}
}
