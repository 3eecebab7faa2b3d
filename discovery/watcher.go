package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrWatcherStopped is returned by Refresh once Run has returned.
var ErrWatcherStopped = errors.New("peer watcher stopped")

// EventKind says what changed about a peer between two scans.
type EventKind string

const (
	PeerJoined  EventKind = "joined"
	PeerUpdated EventKind = "updated"
	PeerLeft    EventKind = "left"
)

// Event reports a change to the set of visible peers.
type Event struct {
	Kind EventKind
	Peer DiscoveredPeer
}

// Watcher rescans on Config.RefreshInterval and reports how the visible peers change.
type Watcher struct {
	cfg    Config
	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events  chan Event
	refresh chan chan error
	stopped chan struct{}
}

// NewWatcher prepares a watcher; nothing is browsed until Run.
func NewWatcher(config Config) (*Watcher, error) {
	cfg := config.normalized()
	if err := cfg.check(false); err != nil {
		return nil, err
	}
	browse, err := cfg.resolver()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:     cfg,
		browse:  browse,
		peers:   make(map[string]DiscoveredPeer),
		events:  make(chan Event, 128),
		refresh: make(chan chan error),
		stopped: make(chan struct{}),
	}, nil
}

// Events is closed when Run returns. Events are dropped while the buffer is full.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Peers returns the result of the latest scan sorted by name.
func (w *Watcher) Peers() []DiscoveredPeer {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return sortPeers(w.peers)
}

// Run scans immediately and then on every tick until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer close(w.stopped)

	w.scan(ctx)

	ticker := time.NewTicker(w.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.scan(ctx)
		case reply := <-w.refresh:
			reply <- w.scan(ctx)
		}
	}
}

// Refresh asks a running watcher for an immediate scan and waits for it.
func (w *Watcher) Refresh(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.refresh <- reply:
	case <-w.stopped:
		return ErrWatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) scan(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, w.cfg.ScanTimeout)
	defer cancel()

	next, err := collect(scanCtx, w.cfg, w.browse)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "scan",
			"error":    err,
		}).Warn("mDNS browse failed")
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	previous := w.peers
	w.peers = next
	w.mu.Unlock()

	for _, event := range diffPeers(previous, next) {
		select {
		case w.events <- event:
		default:
			logrus.WithFields(logrus.Fields{
				"function": "scan",
				"peer_id":  event.Peer.DeviceID,
			}).Debug("Dropping peer event")
		}
	}
	return nil
}

// diffPeers lists joins and updates in name order, then departures in name order.
func diffPeers(previous, next map[string]DiscoveredPeer) []Event {
	var events []Event
	for _, peer := range sortPeers(next) {
		old, seen := previous[peer.DeviceID]
		switch {
		case !seen:
			events = append(events, Event{Kind: PeerJoined, Peer: peer})
		case !old.sameAdvert(peer):
			events = append(events, Event{Kind: PeerUpdated, Peer: peer})
		}
	}
	for _, peer := range sortPeers(previous) {
		if _, still := next[peer.DeviceID]; !still {
			events = append(events, Event{Kind: PeerLeft, Peer: peer})
		}
	}
	return events
}
