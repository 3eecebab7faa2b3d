package models

import "nebulasend/discovery"

// Peer represents a device found on the local network.
type Peer struct {
	DeviceID   string   `json:"device_id"`
	DeviceName string   `json:"device_name"`
	Transport  string   `json:"transport"`
	Version    int      `json:"version"`
	Address    string   `json:"address,omitempty"`
	Addresses  []string `json:"addresses"`
	LastSeen   int64    `json:"last_seen_timestamp"`
}

// NewPeer converts a discovery result into its JSON view.
func NewPeer(peer discovery.DiscoveredPeer) Peer {
	address, _ := peer.Address()
	addresses := peer.Addresses
	if addresses == nil {
		addresses = []string{}
	}
	var lastSeen int64
	if !peer.LastSeen.IsZero() {
		lastSeen = peer.LastSeen.UnixMilli()
	}
	return Peer{
		DeviceID:   peer.DeviceID,
		DeviceName: peer.DeviceName,
		Transport:  peer.Transport,
		Version:    peer.Version,
		Address:    address,
		Addresses:  addresses,
		LastSeen:   lastSeen,
	}
}
