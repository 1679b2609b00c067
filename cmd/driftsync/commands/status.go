package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"driftsync/internal/journal"
	"driftsync/internal/store"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show identity, trusted devices and journal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := wire.Identity.Load(passphrase)
			if err != nil {
				return err
			}
			fp, err := wire.Identity.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Printf("Device ID:   %s\n", id.DeviceID)
			fmt.Printf("Fingerprint: %s\n", fp)
			fmt.Printf("Vault:       %s\n", wire.Config.VaultDir)

			records, err := wire.Trust.ListTrust()
			if err != nil {
				return err
			}
			fmt.Printf("\nTrusted devices (%d):\n", len(records))
			for _, r := range records {
				fmt.Printf("  %s  %q  paired %s\n",
					r.DeviceID, r.Name, r.PairedAt.Format(time.DateOnly))
			}

			jrnl, err := journal.Load(id.DeviceID, store.NewJournalFileStore(wire.Config.Home), wire.Log.Named("journal"))
			if err != nil {
				return err
			}
			live, tombstones := 0, 0
			for _, e := range jrnl.Snapshot() {
				if e.Deleted {
					tombstones++
				} else {
					live++
				}
			}
			fmt.Printf("\nJournal: %d files, %d tombstones, sequence %d\n",
				live, tombstones, jrnl.Sequence())
			return nil
		},
	}
}
