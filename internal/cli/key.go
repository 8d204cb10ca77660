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
	"errors"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-securestore/pkg/custodian"
)

func newKeyCmd(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the hardware-anchored key pair",
	}

	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Provision the key pair if it does not exist",
		Args:  cobra.NoArgs,
		RunE: c.run(func(cmd *cobra.Command, args []string, app *App) error {
			if _, err := app.Custodian.EnsureKeyPair(); err != nil {
				return err
			}
			return c.showKey(app)
		}),
	}

	var yes bool
	destroy := &cobra.Command{
		Use:   "destroy",
		Short: "Delete the key pair",
		Long: `Delete both key items. Secrets encrypted under the old key pair can no
longer be decrypted and read as empty. Requires --yes.`,
		Args: cobra.NoArgs,
		RunE: c.run(func(cmd *cobra.Command, args []string, app *App) error {
			if !yes {
				return errors.New("refusing to destroy the key pair without --yes")
			}
			if err := app.Custodian.DestroyKeyPair(); err != nil {
				return err
			}
			return c.printer().PrintSuccess("Key pair destroyed")
		}),
	}
	destroy.Flags().BoolVar(&yes, "yes", false, "confirm destruction")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the key pair without provisioning it",
		Args:  cobra.NoArgs,
		RunE: c.run(func(cmd *cobra.Command, args []string, app *App) error {
			return c.showKey(app)
		}),
	}

	cmd.AddCommand(ensure, destroy, show)
	return cmd
}

func (c *command) showKey(app *App) error {
	info := KeyInfo{
		Provider:   app.Provider.Name(),
		Algorithm:  app.Custodian.Algorithm().String(),
		PublicTag:  app.Config.Keys.PublicTag,
		PrivateTag: app.Config.Keys.PrivateTag,
	}

	pair, err := app.Custodian.LookupKeyPair()
	switch {
	case err == nil:
		info.Fingerprint = pair.PublicKey.Fingerprint()
		info.PublicKey = pair.PublicKey.Bytes()
	case !errors.Is(err, custodian.ErrNoKeyAvailable):
		return err
	}
	info.State = app.Custodian.State().String()
	return c.printer().PrintKey(info)
}
