package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nebulasend/config"
	"nebulasend/models"
	"nebulasend/network"
	"nebulasend/progress"
	"nebulasend/storage"
	"nebulasend/transfer"
)

var receivedJSON bool

var receivedCmd = &cobra.Command{
	Use:   "received",
	Short: "Manage received files",
}

var receivedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List received transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(a *app, engine *transfer.Engine) error {
			return listReceived(engine, cmd.OutOrStdout(), receivedJSON)
		})
	},
}

var receivedExportCmd = &cobra.Command{
	Use:   "export <transfer_id> [path]",
	Short: "Write a completed received file to disk",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(a *app, engine *transfer.Engine) error {
			target := ""
			if len(args) == 2 {
				target = args[1]
			}
			path, n, err := exportReceived(engine, a.dataDir, args[0], target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s to %s\n", progress.FormatBytes(n, 1), path)
			return nil
		})
	},
}

var receivedRemoveCmd = &cobra.Command{
	Use:   "remove <transfer_id>",
	Short: "Delete one transfer's history and received chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(a *app, engine *transfer.Engine) error {
			if err := engine.Forget(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		})
	},
}

var receivedClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every received transfer and its chunks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(a *app, engine *transfer.Engine) error {
			n, err := engine.ClearReceived()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d received transfer(s)\n", n)
			return nil
		})
	},
}

func init() {
	receivedListCmd.Flags().BoolVar(&receivedJSON, "json", false, "print JSON instead of a table")
	receivedCmd.AddCommand(receivedListCmd, receivedExportCmd, receivedRemoveCmd, receivedClearCmd)
}

// withEngine opens the store behind an offline engine for history commands.
func withEngine(fn func(a *app, engine *transfer.Engine) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := offlineEngine(store)
	if err != nil {
		return err
	}
	return fn(a, engine)
}

func offlineEngine(store *storage.Store) (*transfer.Engine, error) {
	return transfer.NewEngine(transfer.Options{
		Registry: network.NewRegistry(),
		Store:    store,
	})
}

func listReceived(engine *transfer.Engine, out io.Writer, asJSON bool) error {
	records, err := engine.History(transfer.Inbound)
	if err != nil {
		return fmt.Errorf("listing received transfers: %w", err)
	}

	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(models.NewTransfers(records))
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No received transfers.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFILE\tSIZE\tFROM\tSTATE\tCHUNKS")
	for _, record := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			record.TransferID,
			record.FileName,
			progress.FormatBytes(record.SizeBytes, 1),
			record.PeerID,
			record.State,
			record.ReceivedCount,
			record.ChunkCount,
		)
	}
	return w.Flush()
}

// exportReceived writes the assembled file. An empty target or a directory target
// uses the transfer's file name; the default directory is <data>/received.
func exportReceived(engine *transfer.Engine, dataDir, transferID, target string) (string, int64, error) {
	records, err := engine.History(transfer.Inbound)
	if err != nil {
		return "", 0, err
	}
	var found *storage.TransferRecord
	for i := range records {
		if records[i].TransferID == transferID {
			found = &records[i]
			break
		}
	}
	if found == nil {
		return "", 0, fmt.Errorf("received transfer %s: %w", transferID, storage.ErrNotFound)
	}
	if found.State != storage.StateCompleted {
		return "", 0, fmt.Errorf("received transfer %s is %s, not completed", transferID, found.State)
	}

	fileName := filepath.Base(found.FileName)
	switch fileName {
	case ".", "..", string(filepath.Separator):
		fileName = transferID
	}

	if target == "" {
		target = filepath.Join(dataDir, config.ReceivedDirName)
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		target = filepath.Join(target, fileName)
	}

	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("creating %s: %w", target, err)
	}

	n, err := engine.Export(transferID, file)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(target)
		return "", 0, err
	}
	return target, n, nil
}
