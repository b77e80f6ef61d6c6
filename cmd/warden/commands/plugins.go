package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"warden/internal/app"
	"warden/internal/plugin"
)

func newInstallCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install <package>",
		Args:  cobra.ExactArgs(1),
		Short: "Verify and install a plugin package (left disabled)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Plugins().Install(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s (%s)\n", rec.ID, rec.Status)
				return nil
			})
		},
	}
}

func newEnableCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Grant permissions and start a plugin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Plugins().Enable(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enabled %s with %d permission(s)\n", rec.ID, len(rec.GrantedPermissions))
				return nil
			})
		},
	}
}

func newDisableCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Mark a plugin disabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Plugins().Disable(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", rec.ID)
				return nil
			})
		},
	}
}

func newUninstallCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall <id>",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		Short:   "Remove a plugin and revoke its permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Plugins().Uninstall(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", args[0])
				return nil
			})
		},
	}
}

func newUpdateCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "update <id> <package>",
		Args:  cobra.ExactArgs(2),
		Short: "Replace an installed plugin with a newer package",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Plugins().Update(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated %s to %s\n", rec.ID, rec.Manifest.Version)
				return nil
			})
		},
	}
}

func newListCommand(f *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		Short:   "List installed plugins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.withApp(cmd, func(_ context.Context, a *app.App) error {
				list := a.Plugins().List()
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(list)
				}
				printList(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printList(out io.Writer, list []plugin.Info) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tSTATUS\tRUNTIME\tPERMISSIONS")
	for _, p := range list {
		perms := make([]string, 0, len(p.GrantedPermissions))
		for _, c := range p.GrantedPermissions {
			perms = append(perms, c.String())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Manifest.Version, p.Status, p.Manifest.Runtime, strings.Join(perms, ","))
	}
	_ = tw.Flush()
}

func newTriggerCommand(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <id> <event> [payload]",
		Args:  cobra.RangeArgs(2, 3),
		Short: "Start enabled plugins and deliver one event",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 3 {
				payload = []byte(args[2])
			}
			return f.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Plugins().Start(ctx); err != nil {
					return err
				}
				n, err := a.Plugins().TriggerEvent(ctx, args[0], args[1], payload)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
				return nil
			})
		},
	}
}
