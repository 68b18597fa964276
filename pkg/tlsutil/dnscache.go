package tlsutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const resolverRefreshInterval = 5 * time.Minute

var (
	globalResolver     *dnscache.Resolver
	globalResolverOnce sync.Once
)

// cachedResolver returns the process-wide caching DNS resolver. The engine
// resolves the same store and webhook hosts every interval, so cached lookups
// avoid hammering the resolver on every evaluation.
func cachedResolver() *dnscache.Resolver {
	globalResolverOnce.Do(func() {
		globalResolver = &dnscache.Resolver{}

		go func() {
			ticker := time.NewTicker(resolverRefreshInterval)
			defer ticker.Stop()

			for range ticker.C {
				globalResolver.Refresh(true)
				log.Debug().Msg("DNS cache refreshed")
			}
		}()
	})
	return globalResolver
}

// DialContextWithCache is a DialContext that resolves hosts through the
// shared DNS cache.
func DialContextWithCache(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := cachedResolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{
			Err:  "no IP addresses found",
			Name: host,
		}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}
