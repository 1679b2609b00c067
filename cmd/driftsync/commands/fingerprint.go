package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wire.Identity.Load(passphrase); err != nil {
				return err
			}
			fp, err := wire.Identity.Fingerprint()
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", fp)
			return nil
		},
	}
}
