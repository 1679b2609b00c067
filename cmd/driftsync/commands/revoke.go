package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"driftsync/internal/domain"
)

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Remove a device from the trust store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device := domain.DeviceID(args[0])
			if _, ok, err := wire.Trust.LoadTrust(device); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("device %s is not trusted", device)
			}
			if err := wire.Trust.DeleteTrust(device); err != nil {
				return err
			}
			fmt.Printf("Revoked trust for %s. Active sessions end on their next reconnect.\n", device)
			return nil
		},
	}
}
