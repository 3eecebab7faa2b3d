package discovery

import (
	"context"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// DiscoveredPeer is one device seen advertising DefaultService.
type DiscoveredPeer struct {
	DeviceID   string
	DeviceName string
	Transport  string
	Version    int
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

func (p DiscoveredPeer) sameAdvert(other DiscoveredPeer) bool {
	return p.DeviceID == other.DeviceID &&
		p.DeviceName == other.DeviceName &&
		p.Transport == other.Transport &&
		p.Version == other.Version &&
		p.HostName == other.HostName &&
		p.Port == other.Port &&
		slices.Equal(p.Addresses, other.Addresses)
}

// collect runs one browse window and keys what it saw by device id. A browse that
// ends because ctx expired is a normal end of window.
func collect(ctx context.Context, cfg Config, browse browseFunc) (map[string]DiscoveredPeer, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]DiscoveredPeer)
	drained := make(chan struct{})

	go func() {
		defer close(drained)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if peer, valid := parseEntry(entry, cfg.SelfDeviceID); valid {
					peer.LastSeen = time.Now()
					found[peer.DeviceID] = peer
				}
			}
		}
	}()

	if err := browse(ctx, cfg.Service, cfg.Domain, entries); err != nil && ctx.Err() == nil {
		return nil, err
	}
	<-ctx.Done()
	<-drained
	return found, nil
}

// parseEntry turns a service entry into a peer. Entries without a device id, and
// this device's own advert, are dropped.
func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (DiscoveredPeer, bool) {
	if entry == nil {
		return DiscoveredPeer{}, false
	}
	txt := parseTXT(entry.Text)

	id := txt["device_id"]
	if id == "" || id == selfID {
		return DiscoveredPeer{}, false
	}

	peer := DiscoveredPeer{
		DeviceID:   id,
		DeviceName: firstNonEmpty(entry.Instance, entry.HostName, id),
		Transport:  firstNonEmpty(txt["transport"], DefaultTransport),
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  uniqueIPs(entry.AddrIPv4, entry.AddrIPv6),
	}
	if v, err := strconv.Atoi(txt["version"]); err == nil {
		peer.Version = v
	}
	return peer, true
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func uniqueIPs(groups ...[]net.IP) []string {
	var out []string
	for _, group := range groups {
		for _, ip := range group {
			if ip == nil {
				continue
			}
			if s := ip.String(); !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	slices.Sort(out)
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
