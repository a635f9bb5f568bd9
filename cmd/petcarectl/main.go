// Command petcarectl manages petcare accounts from the terminal: it migrates
// the database, seeds legacy profiles and drives the account lifecycle against
// the local identity provider.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petcare/go-account/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath = envOr("PETCARE_CONFIG", "")
		envFile    = ".env"
		device     string
		a          *app
	)

	root := &cobra.Command{
		Use:           "petcarectl",
		Short:         "Manage petcare accounts and clinic profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if device != "" {
				cfg.Identity.Device = device
			}
			a, err = newApp(cfg)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a == nil {
				return
			}
			a.dumpMetrics(cmd.ErrOrStderr())
			a.close()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", configPath, "Path to the YAML config (env PETCARE_CONFIG)")
	root.PersistentFlags().StringVar(&envFile, "env-file", envFile, "Path to a .env file")
	root.PersistentFlags().StringVar(&device, "device", "", "Device key the session is stored under")

	current := func() *app { return a }
	root.AddCommand(
		newMigrateCmd(current),
		newSeedCmd(current),
		newRegisterCmd(current),
		newConfirmCmd(current),
		newLoginCmd(current),
		newWhoamiCmd(current),
		newUpdateProfileCmd(current),
		newChangePasswordCmd(current),
		newLogoutCmd(current),
	)
	return root
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
