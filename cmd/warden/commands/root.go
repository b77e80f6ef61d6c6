package commands

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"warden/internal/app"
	"warden/internal/prompt"
)

type rootFlags struct {
	config string
	yes    bool
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	f := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "warden",
		Short:         "Plugin trust and isolation host",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&f.config, "config", "c", "./config.json", "path to config file (json or yaml)")
	rootCmd.PersistentFlags().BoolVarP(&f.yes, "yes", "y", false, "grant every permission prompt without asking")

	rootCmd.AddCommand(
		newServeCommand(f),
		newInstallCommand(f),
		newEnableCommand(f),
		newDisableCommand(f),
		newUninstallCommand(f),
		newUpdateCommand(f),
		newListCommand(f),
		newTriggerCommand(f),
		newVerifyCommand(),
		newSignCommand(),
		newKeygenCommand(),
		newPackCommand(),
		newSchemaCommand(),
	)
	return rootCmd
}

// prompter asks on the terminal when there is one. Unattended runs deny
// unless --yes was given.
func (f *rootFlags) prompter() app.Option {
	if f.yes {
		return app.WithPrompter(prompt.AllowAll)
	}
	return app.WithPrompter(prompt.Select(prompt.NewTerminal(os.Stdin, os.Stderr), prompt.DenyAll))
}

// withApp runs fn against a one-shot host that is released afterwards.
// Plugin state persists in the registry; a running serve process only sees
// it after a restart.
func (f *rootFlags) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.NewApp(f.config, f.prompter())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
