package commands

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"driftsync/internal/discovery"
	"driftsync/internal/domain"
	"driftsync/internal/transport"
)

func peersCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers currently announcing on the LAN",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := wire.Identity.Load(passphrase)
			if err != nil {
				return err
			}

			datagram, err := transport.OpenDatagram(wire.Config.DiscoveryPort, wire.Log.Named("datagram"))
			if err != nil {
				return err
			}
			defer datagram.Close()

			// Listen-only table: announce with no service port so nobody
			// tries to connect back.
			disc := discovery.New(
				datagram,
				domain.Announcement{
					PeerID:     domain.PeerID("browse-" + string(id.DeviceID)),
					DeviceID:   id.DeviceID,
					DeviceName: wire.Config.DeviceName,
				},
				wire.Config.PeerTTL,
				clockwork.NewRealClock(),
				domain.NopNotifier,
				wire.Log.Named("discovery"),
			)
			disc.Start()
			defer disc.Stop()

			fmt.Printf("Listening for %s...\n", wait)
			time.Sleep(wait)

			peers := disc.Peers()
			if len(peers) == 0 {
				fmt.Println("No peers announced.")
				return nil
			}
			for _, p := range peers {
				trusted := ""
				if _, ok, _ := wire.Trust.LoadTrust(p.DeviceID); ok {
					trusted = " [trusted]"
				}
				fmt.Printf("%s  %q  %s:%d%s\n", p.PeerID, p.DisplayName, p.Addr(), p.ServicePort, trusted)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to listen for announcements")
	return cmd
}
