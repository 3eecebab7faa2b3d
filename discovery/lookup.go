package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrPeerNotFound is returned when no discovered peer matches a query.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrAmbiguousPeer is returned when a device name matches more than one peer.
	ErrAmbiguousPeer = errors.New("peer name is ambiguous")
)

// Scan browses for one scan window and returns the peers seen, sorted by name.
func Scan(ctx context.Context, config Config) ([]DiscoveredPeer, error) {
	cfg := config.normalized()
	if err := cfg.check(false); err != nil {
		return nil, err
	}
	browse, err := cfg.resolver()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	collected, err := collect(scanCtx, cfg, browse)
	if err != nil {
		return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return sortPeers(collected), nil
}

// Resolve picks the peer whose device id or device name equals query.
// A device id match wins over name matches.
func Resolve(peers []DiscoveredPeer, query string) (DiscoveredPeer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return DiscoveredPeer{}, ErrPeerNotFound
	}

	var byName []DiscoveredPeer
	for _, peer := range peers {
		if peer.DeviceID == query {
			return peer, nil
		}
		if strings.EqualFold(peer.DeviceName, query) {
			byName = append(byName, peer)
		}
	}

	switch len(byName) {
	case 0:
		return DiscoveredPeer{}, fmt.Errorf("%w: %q", ErrPeerNotFound, query)
	case 1:
		return byName[0], nil
	default:
		return DiscoveredPeer{}, fmt.Errorf("%w: %q matches %d devices", ErrAmbiguousPeer, query, len(byName))
	}
}

// Address returns a dialable host:port for the peer, preferring IPv4.
func (p DiscoveredPeer) Address() (string, error) {
	if p.Port <= 0 {
		return "", fmt.Errorf("peer %s advertises no port", p.DeviceID)
	}

	host := ""
	for _, raw := range p.Addresses {
		ip := net.ParseIP(raw)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			host = raw
			break
		}
		if host == "" {
			host = raw
		}
	}
	if host == "" {
		host = strings.TrimSuffix(p.HostName, ".")
	}
	if host == "" {
		return "", fmt.Errorf("peer %s advertises no address", p.DeviceID)
	}

	return net.JoinHostPort(host, strconv.Itoa(p.Port)), nil
}

func sortPeers(peers map[string]DiscoveredPeer) []DiscoveredPeer {
	out := make([]DiscoveredPeer, 0, len(peers))
	for _, peer := range peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}
