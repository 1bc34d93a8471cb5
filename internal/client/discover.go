package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
)

// mdnsService matches what syncd announces.
const mdnsService = "_scribe-sync._tcp"

// Discover browses the local network for a sync gateway and returns its
// base URL. The first gateway to answer wins.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(browseCtx, mdnsService, "local.", entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", errors.New("no sync gateway found on the local network")
			}
			if entry == nil || len(entry.AddrIPv4) == 0 {
				continue
			}
			return fmt.Sprintf("http://%s:%d", entry.AddrIPv4[0], entry.Port), nil
		case <-browseCtx.Done():
			return "", errors.New("no sync gateway found on the local network")
		}
	}
}
