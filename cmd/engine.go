package cmd

import (
	"fmt"
	"io"

	"nebulasend/config"
	"nebulasend/network"
	"nebulasend/storage"
	"nebulasend/transfer"
)

func handshakeOptions(cfg *config.DeviceConfig) network.HandshakeOptions {
	return network.HandshakeOptions{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
	}
}

// newEngine wires the transfer engine to terminal output. prompter may be nil for a
// process that only sends.
func newEngine(cfg *config.DeviceConfig, store *storage.Store, registry *network.Registry, prompter transfer.Prompter, renderer *progressRenderer, out io.Writer) (*transfer.Engine, error) {
	cipher, err := cfg.Cipher()
	if err != nil {
		return nil, fmt.Errorf("building chunk cipher: %w", err)
	}

	engine, err := transfer.NewEngine(transfer.Options{
		Registry:         registry,
		Store:            store,
		Cipher:           cipher,
		ChunkSize:        cfg.ChunkSize,
		ConsentTimeout:   cfg.ConsentTimeout(),
		AckWindow:        cfg.AckWindow,
		// the CLI closes the connection once Send returns
		AwaitCompleteAck: true,
		Prompter:         prompter,
		OnPIN: func(snapshot transfer.Snapshot, pin string) {
			fmt.Fprintf(out, "PIN for %s: %s\nTell the receiving user this PIN.\n", snapshot.FileName, pin)
		},
		OnProgress: renderer.Update,
		OnFileReady: func(snapshot transfer.Snapshot) {
			renderer.Finish(snapshot)
			fmt.Fprintf(out, "Received %s (%s) from %s\nExport with: nebulasend received export %s\n",
				snapshot.FileName, snapshot.ID, snapshot.PeerID, snapshot.ID)
		},
		OnTransferFailed: func(snapshot transfer.Snapshot, err error) {
			renderer.Abort(snapshot)
			if snapshot.Direction == transfer.Inbound {
				fmt.Fprintln(out, err)
			}
		},
		OnTransferRejected: func(snapshot transfer.Snapshot) {
			renderer.Abort(snapshot)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("starting transfer engine: %w", err)
	}
	return engine, nil
}
