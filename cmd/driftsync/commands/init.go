package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the local device identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			id, fp, err := wire.Identity.Generate(passphrase)
			if err != nil {
				return err
			}
			fmt.Printf("Identity created.\nDevice ID:   %s\nFingerprint: %s\n", id.DeviceID, fp)
			return nil
		},
	}
}
