package network

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrChannelClosed indicates a send or receive on a closed channel.
	ErrChannelClosed = errors.New("network: channel closed")
	// ErrPeerConnected indicates the registry already holds an open channel for the peer.
	ErrPeerConnected = errors.New("network: peer already connected")
)

// Channel is an ordered, reliable, peer-addressed message transport.
type Channel interface {
	// PeerID names the remote endpoint; unique among currently open channels.
	PeerID() string
	IsOpen() bool
	Send(message Message) error
	// Receive blocks for the next transfer-level message. It returns ErrChannelClosed
	// (or the terminal transport error) once the channel is closed and drained.
	Receive(ctx context.Context) (Message, error)
	// Done is closed when the channel is closed.
	Done() <-chan struct{}
	Close() error
}

// Registry maps peer ids to open channels. It is owned by whichever component manages
// connection lifecycle and handed to the transfer engine for lookups.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Add registers ch under its peer id. A closed channel for the same peer is replaced.
func (r *Registry) Add(ch Channel) error {
	if ch == nil || ch.PeerID() == "" {
		return errors.New("channel with peer id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.channels[ch.PeerID()]; ok && existing != ch && existing.IsOpen() {
		return ErrPeerConnected
	}
	r.channels[ch.PeerID()] = ch
	return nil
}

// Track adds ch and removes it again once it closes.
func (r *Registry) Track(ch Channel) error {
	if err := r.Add(ch); err != nil {
		return err
	}
	go func() {
		<-ch.Done()
		r.Remove(ch)
	}()
	return nil
}

// Remove unregisters ch if it is still the registered channel for its peer.
func (r *Registry) Remove(ch Channel) bool {
	if ch == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.channels[ch.PeerID()]; ok && current == ch {
		delete(r.channels, ch.PeerID())
		return true
	}
	return false
}

// Lookup returns the channel registered for peerID.
func (r *Registry) Lookup(peerID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[peerID]
	return ch, ok
}

// Peers lists registered peer ids in sorted order.
func (r *Registry) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]string, 0, len(r.channels))
	for id := range r.channels {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

// CloseAll closes and unregisters every channel.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}
