package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"driftsync/internal/app"
)

var (
	home       string
	passphrase string

	wire *app.Wire
)

func Execute() error {
	root := &cobra.Command{
		Use:   "driftsync",
		Short: "Serverless LAN file synchronization",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".driftsync")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			v := viper.New()
			// Only bind flags the user actually set, so unset flag
			// defaults never shadow config file or env values.
			for _, key := range []string{"name", "vault", "discovery_port", "listen_port", "log_level"} {
				if f := cmd.Flags().Lookup(key); f != nil && f.Changed {
					if err := v.BindPFlag(key, f); err != nil {
						return err
					}
				}
			}
			cfg, err := app.Load(home, v)
			if err != nil {
				return err
			}
			log, err := app.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			wire = app.NewWire(cfg, log)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.driftsync)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the identity")
	root.PersistentFlags().String("name", "", "device display name (default hostname)")
	root.PersistentFlags().String("vault", "", "synchronized directory (default <home>/vault)")
	root.PersistentFlags().Int("discovery_port", 0, "UDP discovery port")
	root.PersistentFlags().Int("listen_port", 0, "TCP service port")
	root.PersistentFlags().String("log_level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		serveCmd(),
		pairCmd(),
		peersCmd(),
		statusCmd(),
		revokeCmd(),
	)
	return root.Execute()
}
