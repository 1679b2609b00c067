package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"driftsync/internal/app"
	"driftsync/internal/domain"
	"driftsync/internal/pairing"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair this device with another",
	}
	cmd.AddCommand(pairCodeCmd(), pairWithCmd())
	return cmd
}

// pairCodeCmd is the responder side: show a code and wait for the other
// device to send it back.
func pairCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "code",
		Short: "Issue a pairing code and wait for a peer to use it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wire.Identity.Load(passphrase); err != nil {
				return err
			}

			paired := make(chan domain.DeviceID, 1)
			notify := domain.NotifierFunc(func(ev domain.Event) {
				if ev.Kind == domain.EventPairingSuccess {
					select {
					case paired <- ev.DeviceID:
					default:
					}
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

			challenge, err := rt.Pairing.IssueCode()
			if err != nil {
				return err
			}
			fmt.Printf("Pairing code: %s\n", challenge.Code)
			fmt.Printf("QR payload:   %s\n", challenge.QRData())
			fmt.Printf("Waiting for a peer (code valid %s)...\n", pairing.CodeTTL)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case device := <-paired:
				fmt.Printf("Paired with device %s.\n", device)
				return nil
			case <-time.After(pairing.CodeTTL):
				return fmt.Errorf("code expired before any peer used it")
			case <-sig:
				return fmt.Errorf("interrupted")
			}
		},
	}
}

// pairWithCmd is the initiator side: type the code shown on the other
// device.
func pairWithCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "with <peer-id> <code>",
		Short: "Pair with a visible peer using its code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, code := domain.PeerID(args[0]), args[1]

			if _, err := wire.Identity.Load(passphrase); err != nil {
				return err
			}

			// Ephemeral service port; this engine only lives for the
			// pairing exchange.
			rt, err := app.BuildEngine(wire, 0, domain.NopNotifier, clockwork.NewRealClock())
			if err != nil {
				return err
			}
			if err := rt.Engine.Start(); err != nil {
				rt.Close()
				return err
			}
			defer rt.Close()

			fmt.Printf("Waiting for %s to announce...\n", peer)
			if err := awaitPeer(rt, peer, wait); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			rec, err := rt.Engine.PairWith(ctx, peer, code)
			if err != nil {
				return err
			}
			fmt.Printf("Paired with %q (device %s).\n", rec.Name, rec.DeviceID)
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the peer")
	return cmd
}

// awaitPeer polls the discovery table until the peer announces or the
// deadline passes.
func awaitPeer(rt *app.Runtime, peer domain.PeerID, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if p, ok := rt.Engine.Discovery().Lookup(peer); ok && p.Addr() != "" {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("peer %s did not announce within %s", peer, wait)
}
