package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nebulasend/discovery"
	"nebulasend/models"
)

var (
	peersJSON    bool
	peersTimeout time.Duration
	peersWatch   bool
	peersEvery   time.Duration
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List devices advertising on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		if peersWatch {
			watcher, err := discovery.NewWatcher(discovery.Config{
				SelfDeviceID:    a.cfg.DeviceID,
				ScanTimeout:     peersTimeout,
				RefreshInterval: peersEvery,
			})
			if err != nil {
				return err
			}
			return watchPeers(ctx, cmd.OutOrStdout(), watcher)
		}

		peers, err := discovery.Scan(ctx, discovery.Config{
			SelfDeviceID: a.cfg.DeviceID,
			ScanTimeout:  peersTimeout,
		})
		if err != nil {
			return fmt.Errorf("discovering peers: %w", err)
		}
		return printPeers(cmd.OutOrStdout(), peers, peersJSON)
	},
}

func init() {
	peersCmd.Flags().BoolVar(&peersJSON, "json", false, "print JSON instead of a table")
	peersCmd.Flags().DurationVar(&peersTimeout, "timeout", discovery.DefaultScanTimeout, "how long to browse")
	peersCmd.Flags().BoolVar(&peersWatch, "watch", false, "keep browsing and print peers as they come and go")
	peersCmd.Flags().DurationVar(&peersEvery, "interval", discovery.DefaultRefreshInterval, "rescan interval with --watch")
}

type peerEventSource interface {
	Run(ctx context.Context) error
	Events() <-chan discovery.Event
}

// watchPeers prints one line per peer change until ctx ends.
func watchPeers(ctx context.Context, out io.Writer, source peerEventSource) error {
	errc := make(chan error, 1)
	go func() { errc <- source.Run(ctx) }()

	for event := range source.Events() {
		printPeerEvent(out, event)
	}
	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printPeerEvent(out io.Writer, event discovery.Event) {
	peer := models.NewPeer(event.Peer)
	switch event.Kind {
	case discovery.PeerJoined:
		fmt.Fprintf(out, "+ %s (%s) %s %s\n", peer.DeviceName, peer.DeviceID, peer.Address, peer.Transport)
	case discovery.PeerUpdated:
		fmt.Fprintf(out, "~ %s (%s) %s %s\n", peer.DeviceName, peer.DeviceID, peer.Address, peer.Transport)
	case discovery.PeerLeft:
		fmt.Fprintf(out, "- %s (%s)\n", peer.DeviceName, peer.DeviceID)
	}
}

func printPeers(out io.Writer, peers []discovery.DiscoveredPeer, asJSON bool) error {
	views := make([]models.Peer, 0, len(peers))
	for _, peer := range peers {
		views = append(views, models.NewPeer(peer))
	}

	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(views)
	}

	if len(views) == 0 {
		fmt.Fprintln(out, "No peers found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tADDRESS\tTRANSPORT")
	for _, peer := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", peer.DeviceName, peer.DeviceID, peer.Address, peer.Transport)
	}
	return w.Flush()
}
