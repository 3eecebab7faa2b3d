package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nebulasend/config"
	"nebulasend/discovery"
	"nebulasend/network"
	"nebulasend/transfer"
)

var (
	listenPort        int
	listenTransport   string
	listenNoDiscovery bool
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Accept peers and receive files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			a.cfg.PortMode = config.PortModeFixed
			a.cfg.ListeningPort = listenPort
		}
		if cmd.Flags().Changed("transport") {
			a.cfg.Transport = listenTransport
		}
		if listenNoDiscovery {
			a.cfg.DisableDiscovery = true
		}
		if err := a.cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return runListen(ctx, a, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	listenCmd.Flags().IntVar(&listenPort, "port", 0, "listening port; overrides config")
	listenCmd.Flags().StringVar(&listenTransport, "transport", "", "transport to accept (tcp, websocket); overrides config")
	listenCmd.Flags().BoolVar(&listenNoDiscovery, "no-discovery", false, "do not advertise this device via mDNS")
}

func runListen(ctx context.Context, a *app, in io.Reader, out, errOut io.Writer) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	registry := network.NewRegistry()
	defer registry.CloseAll()

	renderer := newProgressRenderer(errOut)
	engine, err := newEngine(a.cfg, store, registry, newTerminalPrompter(in, out), renderer, out)
	if err != nil {
		return err
	}

	listener, err := network.ListenTransport(a.cfg.Transport, a.cfg.ListenAddress(), handshakeOptions(a.cfg))
	if err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}
	defer listener.Close()

	go func() {
		for err := range listener.Errors() {
			logrus.WithFields(logrus.Fields{
				"function": "runListen",
				"error":    err,
			}).Warn("Rejected inbound connection")
		}
	}()

	if !a.cfg.DisableDiscovery {
		port := 0
		if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
			port = tcpAddr.Port
		}
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			SelfDeviceID:  a.cfg.DeviceID,
			DeviceName:    a.cfg.DeviceName,
			ListeningPort: port,
			Transport:     a.cfg.Transport,
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runListen",
				"error":    err,
			}).Warn("mDNS advertising unavailable")
		} else {
			defer broadcaster.Stop()
		}
	}

	fmt.Fprintf(out, "%s (%s) listening on %s\n", a.cfg.DeviceName, a.cfg.DeviceID, listener.Endpoint())

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		ch, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, network.ErrListenerClosed) {
				registry.CloseAll()
				return nil
			}
			return err
		}
		if err := registry.Track(ch); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "runListen",
				"peer_id":  ch.PeerID(),
				"error":    err,
			}).Warn("Refusing second connection from peer")
			_ = ch.Close()
			continue
		}

		fmt.Fprintf(out, "Peer %s connected\n", ch.PeerID())
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveChannel(ctx, engine, ch)
			fmt.Fprintf(out, "Peer %s disconnected\n", ch.PeerID())
		}()
	}
}

func serveChannel(ctx context.Context, engine *transfer.Engine, ch network.Channel) {
	err := engine.Serve(ctx, ch)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "serveChannel",
		"peer_id":  ch.PeerID(),
		"error":    err,
	}).Warn("Peer channel ended")
}
