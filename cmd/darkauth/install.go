package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/darkauth/idp/internal/kek"
	"github.com/darkauth/idp/server/install"
)

// commandInstall reports install status, since the actual provisioning
// (passphrase submission, admin OPAQUE registration, default seeding) runs
// over HTTP against the install-only router serve mounts while
// initialized=false, not as a one-shot CLI action.
func commandInstall() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Check DarkAuth's install status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			level, err := parseLogLevel(cfg.Logger.Level)
			if err != nil {
				return err
			}
			logger, err := newLogger(level, cfg.Logger.Format)
			if err != nil {
				return err
			}
			store, err := cfg.Storage.Config.Open(logger)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			boot := &install.Bootstrap{Storage: store, KEK: kek.New(), Now: utcNow}
			if boot.IsInitialized(cmd.Context()) {
				fmt.Println("darkauth is already initialized")
				return nil
			}
			fmt.Println("darkauth is not initialized; run `darkauth serve` and complete install over HTTP:")
			fmt.Println("  POST /install            - submit the unlock passphrase, receive an install token")
			fmt.Println("  POST /install/opaque/start  - begin the first admin's OPAQUE registration")
			fmt.Println("  POST /install/opaque/finish - complete the first admin's OPAQUE registration")
			fmt.Println("  POST /install/complete   - seed defaults and flip system.initialized")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "darkauth.yaml", "path to config file")
	return cmd
}
