package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"nebulasend/config"
	"nebulasend/discovery"
	"nebulasend/network"
	"nebulasend/progress"
	"nebulasend/transfer"
)

var (
	sendName      string
	sendTransport string
)

var sendCmd = &cobra.Command{
	Use:   "send [address] <file>",
	Short: "Send a file to a listening peer",
	Long: "Send a file to a peer given by address (host:port, or ws://host:port/nebulasend)\n" +
		"or by --name, which resolves a device name or id on the local network.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var address, path string
		switch {
		case sendName != "" && len(args) == 1:
			path = args[0]
		case sendName == "" && len(args) == 2:
			address, path = args[0], args[1]
		default:
			return errors.New("usage: send <address> <file> or send --name <device> <file>")
		}

		a, err := loadApp()
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		transport := a.cfg.Transport
		if cmd.Flags().Changed("transport") {
			transport = sendTransport
		}
		if sendName != "" {
			peer, err := findPeer(ctx, a.cfg, sendName)
			if err != nil {
				return err
			}
			if address, err = peer.Address(); err != nil {
				return err
			}
			transport = peer.Transport
		}

		return runSend(ctx, a, transport, address, path, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendName, "name", "", "device name or id discovered via mDNS")
	sendCmd.Flags().StringVar(&sendTransport, "transport", "", "transport to dial (tcp, websocket); overrides config")
}

func findPeer(ctx context.Context, cfg *config.DeviceConfig, query string) (discovery.DiscoveredPeer, error) {
	peers, err := discovery.Scan(ctx, discovery.Config{SelfDeviceID: cfg.DeviceID})
	if err != nil {
		return discovery.DiscoveredPeer{}, fmt.Errorf("discovering peers: %w", err)
	}
	return discovery.Resolve(peers, query)
}

func runSend(ctx context.Context, a *app, transport, address, path string, out, errOut io.Writer) error {
	src, file, err := transfer.OpenFileSource(path)
	if err != nil {
		return err
	}
	defer file.Close()

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	registry := network.NewRegistry()
	defer registry.CloseAll()

	renderer := newProgressRenderer(errOut)
	engine, err := newEngine(a.cfg, store, registry, nil, renderer, out)
	if err != nil {
		return err
	}

	ch, err := network.DialTransport(ctx, transport, address, handshakeOptions(a.cfg))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", address, err)
	}
	if err := registry.Track(ch); err != nil {
		_ = ch.Close()
		return err
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		serveChannel(ctx, engine, ch)
	}()
	defer func() {
		_ = ch.Close()
		<-served
	}()

	fmt.Fprintf(out, "Offering %s (%s) to %s\n", src.Name, progress.FormatBytes(src.Size, 1), ch.PeerID())
	snapshot, err := engine.Send(ctx, ch.PeerID(), src, nil)
	if err != nil {
		return err
	}

	renderer.Finish(snapshot)
	fmt.Fprintf(out, "Sent %s in %s (%s)\n", snapshot.FileName,
		progress.FormatDuration(snapshot.Elapsed.Round(time.Second)), progress.FormatSpeed(snapshot.AverageSpeed))
	return nil
}
