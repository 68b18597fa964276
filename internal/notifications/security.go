package notifications

import (
	"fmt"
	"net/url"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

// metadataEndpoint is the link-local address cloud providers serve
// instance credentials from. Deliveries there are always refused, even
// with an empty allowlist.
const metadataEndpoint = "169.254.169.254"

// CheckTarget validates a webhook URL against the allowed-host
// patterns. An empty pattern list allows every host except the cloud
// metadata endpoint. Patterns support * and ? wildcards and match the
// hostname only, never the port or path.
func CheckTarget(rawURL string, allowedHosts []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported webhook scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook URL %q has no host", rawURL)
	}
	if host == metadataEndpoint {
		return fmt.Errorf("refusing delivery to cloud metadata endpoint %s", metadataEndpoint)
	}
	if len(allowedHosts) == 0 {
		return nil
	}
	for _, pattern := range allowedHosts {
		if wildcard.Match(pattern, host) {
			return nil
		}
	}
	return fmt.Errorf("host %q is not covered by the webhook allowlist", host)
}
