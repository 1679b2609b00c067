package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"driftsync/internal/app"
	"driftsync/internal/domain"
)

func serveCmd() *cobra.Command {
	var (
		showCode    bool
		autoConfirm bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run discovery and sync until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wire.Identity.Load(passphrase); err != nil {
				return err
			}

			var rt *app.Runtime
			notify := consoleNotifier(func(peer domain.PeerID) {
				if autoConfirm && rt != nil {
					rt.Engine.ConfirmPlan(peer)
				}
			})

			rt, err := app.BuildEngine(wire, wire.Config.ListenPort, notify, clockwork.NewRealClock())
			if err != nil {
				return err
			}
			if err := rt.Engine.Start(); err != nil {
				rt.Close()
				return err
			}
			defer rt.Close()

			if showCode {
				challenge, err := rt.Pairing.IssueCode()
				if err != nil {
					return err
				}
				fmt.Printf("Pairing code: %s (valid until %s)\n",
					challenge.Code, challenge.ExpiresAt.Format("15:04:05"))
				fmt.Printf("QR payload:   %s\n", challenge.QRData())
			}

			fmt.Printf("Serving as %q on port %d. Ctrl-C to stop.\n",
				wire.Config.DeviceName, wire.Config.ListenPort)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			fmt.Println("\nShutting down.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&showCode, "pair", false, "issue and print a pairing code on startup")
	cmd.Flags().BoolVarP(&autoConfirm, "yes", "y", false, "apply large sync plans without confirmation")
	return cmd
}

// consoleNotifier renders core events for an interactive terminal. onPlan
// fires when a sync plan is waiting for confirmation.
func consoleNotifier(onPlan func(domain.PeerID)) domain.Notifier {
	return domain.NotifierFunc(func(ev domain.Event) {
		switch ev.Kind {
		case domain.EventPeerDiscovered:
			fmt.Printf("peer discovered: %s\n", ev.PeerID)
		case domain.EventPeerLost:
			fmt.Printf("peer lost: %s\n", ev.PeerID)
		case domain.EventPairingSuccess:
			fmt.Printf("paired with device %s\n", ev.DeviceID)
		case domain.EventSessionEstablished:
			fmt.Printf("session established with %s\n", ev.PeerID)
		case domain.EventSyncUpToDate:
			fmt.Printf("up to date with %s\n", ev.PeerID)
		case domain.EventSyncPlanReady:
			fmt.Printf("sync with %s wants %d actions (re-run with --yes to apply)\n",
				ev.PeerID, len(ev.Actions))
			onPlan(ev.PeerID)
		case domain.EventTransferComplete:
			fmt.Printf("transferred %s\n", ev.Path)
		case domain.EventTransferFailed:
			fmt.Printf("transfer failed: %s (%s)\n", ev.Path, ev.Detail)
		}
	})
}
