package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Default timeouts for upstream discovery fetches. A hung fetch must not
// stall the poll loop beyond these bounds.
const (
	maxDiscoveryBody = 4 << 20
)

// DiscoveryURL returns the runtime's target list endpoint for a host/port.
func DiscoveryURL(host string, port int) string {
	return fmt.Sprintf("http://%s:%d/json", host, port)
}

// VersionURL returns the runtime's /json/version endpoint for a host/port.
func VersionURL(host string, port int) string {
	return fmt.Sprintf("http://%s:%d/json/version", host, port)
}

// FetchTargetsRaw fetches the raw /json document from the runtime. The raw
// bytes are returned so callers that re-serve the list can preserve fields
// this tool does not model.
func FetchTargetsRaw(ctx context.Context, client *http.Client, host string, port int) ([]byte, error) {
	return fetchRaw(ctx, client, DiscoveryURL(host, port))
}

// FetchVersionRaw fetches the raw /json/version document from the runtime.
func FetchVersionRaw(ctx context.Context, client *http.Client, host string, port int) ([]byte, error) {
	return fetchRaw(ctx, client, VersionURL(host, port))
}

func fetchRaw(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s returned %s", url, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBody))
	if err != nil {
		return nil, fmt.Errorf("reading discovery response: %w", err)
	}
	return body, nil
}

// ParseTarget decodes a single target descriptor.
func ParseTarget(data []byte, t *Target) error {
	if err := json.Unmarshal(data, t); err != nil {
		return fmt.Errorf("malformed target descriptor: %w", err)
	}
	return nil
}

// ParseTargets decodes a /json document into target descriptors.
func ParseTargets(data []byte) ([]Target, error) {
	var targets []Target
	if err := json.Unmarshal(data, &targets); err != nil {
		return nil, fmt.Errorf("malformed discovery response: %w", err)
	}
	return targets, nil
}

// FetchTargets fetches and decodes the runtime's current target list.
func FetchTargets(ctx context.Context, client *http.Client, host string, port int) ([]Target, error) {
	raw, err := FetchTargetsRaw(ctx, client, host, port)
	if err != nil {
		return nil, err
	}
	return ParseTargets(raw)
}
