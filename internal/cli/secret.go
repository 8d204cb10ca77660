// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-securestore.
//
// go-securestore is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newSecretCmd(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage named secrets",
	}

	var strict bool
	get := &cobra.Command{
		Use:   "get NAME",
		Short: "Print a secret",
		Long: `Print the secret stored under NAME. An absent or unreadable secret
prints as empty; use --strict to fail with the underlying error instead.`,
		Args: cobra.ExactArgs(1),
		RunE: c.run(func(cmd *cobra.Command, args []string, app *App) error {
			return c.printSecret(app, args[0], strict)
		}),
	}
	get.Flags().BoolVar(&strict, "strict", false, "fail when the secret is absent or unreadable")

	set := &cobra.Command{
		Use:   "set NAME [VALUE]",
		Short: "Store a secret",
		Long: `Store VALUE under NAME. When VALUE is omitted or "-" it is read from
standard input with one trailing newline removed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: c.run(func(cmd *cobra.Command, args []string, app *App) error {
			value, err := valueArg(cmd, args[1:])
			if err != nil {
				return err
			}
			return c.storeSecret(app, args[0], value)
		}),
	}

	del := &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: c.run(func(cmd *cobra.Command, args []string, app *App) error {
			if err := app.Secrets.DeleteSecret(args[0]); err != nil {
				return err
			}
			return c.printer().PrintSuccess(fmt.Sprintf("Deleted %s", args[0]))
		}),
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		Args:  cobra.NoArgs,
		RunE: c.run(func(cmd *cobra.Command, args []string, app *App) error {
			names, err := app.Secrets.Names()
			if err != nil {
				return err
			}
			return c.printer().PrintNames(names)
		}),
	}

	cmd.AddCommand(get, set, del, list)
	return cmd
}

// newNamedSecretCmd exposes a fixed secret name as get and set
// subcommands.
func newNamedSecretCmd(c *command, use, name, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
	}

	var strict bool
	get := &cobra.Command{
		Use:   "get",
		Short: "Print the stored value",
		Args:  cobra.NoArgs,
		RunE: c.run(func(cmd *cobra.Command, args []string, app *App) error {
			return c.printSecret(app, name, strict)
		}),
	}
	get.Flags().BoolVar(&strict, "strict", false, "fail when the value is absent or unreadable")

	set := &cobra.Command{
		Use:   "set [VALUE]",
		Short: "Store a value",
		Args:  cobra.MaximumNArgs(1),
		RunE: c.run(func(cmd *cobra.Command, args []string, app *App) error {
			value, err := valueArg(cmd, args)
			if err != nil {
				return err
			}
			return c.storeSecret(app, name, value)
		}),
	}

	cmd.AddCommand(get, set)
	return cmd
}

func (c *command) printSecret(app *App, name string, strict bool) error {
	if !strict {
		return c.printer().PrintValue(name, app.Secrets.GetSecret(name))
	}
	value, err := app.Secrets.LookupSecret(name)
	if err != nil {
		return err
	}
	return c.printer().PrintValue(name, value)
}

func (c *command) storeSecret(app *App, name, value string) error {
	encrypted := app.Secrets.IsHardwareSecurityAvailable()
	if err := app.Secrets.SetSecret(name, value); err != nil {
		return err
	}
	return c.printer().PrintSaved(name, encrypted)
}

// valueArg returns the single positional value, or standard input when it
// is absent or "-".
func valueArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read value from stdin: %w", err)
	}
	value := strings.TrimSuffix(string(data), "\n")
	return strings.TrimSuffix(value, "\r"), nil
}
