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
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-securestore/pkg/logging"
)

func newStatusCmd(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether hardware security is available",
		Long: `Evaluate the platform, OS version and provider gates and report whether
secrets are currently written encrypted. Nothing is cached: every call
probes again.`,
		Args: cobra.NoArgs,
		RunE: c.run(func(cmd *cobra.Command, args []string, app *App) error {
			report := app.Probe.Report()
			app.Logger.Debug("capability report", logging.Any("report", report))
			if report.Available {
				// Refreshes the key state without provisioning.
				_, _ = app.Custodian.LookupKeyPair()
			}
			return c.printer().PrintStatus(report, app.Custodian.State().String())
		}),
	}
}
