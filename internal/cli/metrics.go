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

	"github.com/jeremyhahn/go-securestore/pkg/metrics"
)

var errMetricsDisabled = errors.New("metrics are disabled (metrics.enabled or SECURESTORE_METRICS)")

func newMetricsCmd(c *command) *cobra.Command {
	var textfile string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print securestore metrics",
		Long: `Probe hardware availability and print the securestore metrics in the
Prometheus text format. With --textfile the registry is written to a file
for the node_exporter textfile collector instead.`,
		Args: cobra.NoArgs,
		RunE: c.run(func(cmd *cobra.Command, args []string, app *App) error {
			if !metrics.IsEnabled() {
				return errMetricsDisabled
			}
			app.Probe.Report()
			if textfile != "" {
				return metrics.WriteTextfile(textfile, c.opts.Gatherer)
			}
			return metrics.WriteText(cmd.OutOrStdout(), c.opts.Gatherer)
		}),
	}
	cmd.Flags().StringVar(&textfile, "textfile", "", "write metrics to this file")
	return cmd
}
