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

// Package cli implements the securestore command line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-securestore/internal/config"
	"github.com/jeremyhahn/go-securestore/pkg/logging"
	"github.com/jeremyhahn/go-securestore/pkg/metrics"
)

// OpenFunc builds the App for a command.
type OpenFunc func(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error)

// Options configures the root command. Zero values select the process
// streams, Open and the default Prometheus registry.
type Options struct {
	In       io.Reader
	Out      io.Writer
	Err      io.Writer
	Open     OpenFunc
	Gatherer prometheus.Gatherer
}

// Flag names. Each is also read from SECURESTORE_<NAME> with dashes
// replaced by underscores.
const (
	flagConfig    = "config"
	flagOutput    = "output"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
	flagStorage   = "storage"
	flagProvider  = "provider"
	flagDataDir   = "data-dir"
	flagVerbose   = "verbose"
)

// command holds per-invocation state shared by subcommands.
type command struct {
	opts Options
	v    *viper.Viper
	cfg  *config.Config
	app  *App
}

// Execute runs the root command against the process streams and prints
// any error to stderr.
func Execute() error {
	root := NewRootCommand(Options{})
	if err := root.Execute(); err != nil {
		format, _ := root.PersistentFlags().GetString(flagOutput)
		_ = NewPrinter(format, os.Stderr).PrintError(err) // best-effort
		return err
	}
	return nil
}

// NewRootCommand builds the securestore command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Open == nil {
		opts.Open = Open
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	c := &command{opts: opts, v: viper.New()}

	root := &cobra.Command{
		Use:   "securestore",
		Short: "securestore - hardware-anchored secret storage",
		Long: `securestore keeps small string secrets such as a user identifier or a
biometric token. When the host has usable secure hardware (a TPM 2.0 or a
PKCS#11 token) each value is encrypted with ECIES to a P-256 key pair whose
private half never leaves the hardware. Without secure hardware values are
stored as plaintext.

Supported providers:
  - tpm2:     TPM 2.0 device or swtpm socket
  - pkcs11:   PKCS#11 token (build with -tags pkcs11)
  - software: in-process keys for development
  - auto:     the first usable hardware provider`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(opts.In)
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)

	// Persistent flags (available to all commands)
	pf := root.PersistentFlags()
	pf.String(flagConfig, "", "config file (default is "+config.ConfigPath()+")")
	pf.StringP(flagOutput, "o", "text", "output format (text, json)")
	pf.String(flagLogLevel, "", "log level (debug, info, warn, error)")
	pf.String(flagLogFormat, "", "log format (text, json)")
	pf.String(flagStorage, "", "storage backend (memory, file, keyring, sqlite, redis)")
	pf.String(flagProvider, "", "security provider (auto, software, tpm2, pkcs11)")
	pf.String(flagDataDir, "", "data directory (default is "+config.DataDir()+")")
	pf.BoolP(flagVerbose, "v", false, "verbose output")

	c.v.SetEnvPrefix("SECURESTORE")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	_ = c.v.BindPFlags(pf) // only fails on a nil flag set

	root.AddCommand(
		newVersionCmd(c),
		newStatusCmd(c),
		newSecretCmd(c),
		newNamedSecretCmd(c, "userid", "userID", "Manage the stored user identifier"),
		newNamedSecretCmd(c, "token", "touchIDToken", "Manage the stored biometric token"),
		newKeyCmd(c),
		newMetricsCmd(c),
	)
	return root
}

// printer returns a Printer for the selected output format.
func (c *command) printer() *Printer {
	return NewPrinter(c.v.GetString(flagOutput), c.opts.Out)
}

// loadConfig resolves the configuration: file, then SECURESTORE_*
// environment, then flags.
func (c *command) loadConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}

	cfg, err := config.LoadOrDefault(c.v.GetString(flagConfig))
	if err != nil {
		return nil, err
	}

	if c.v.IsSet(flagLogLevel) && c.v.GetString(flagLogLevel) != "" {
		cfg.Logging.Level = c.v.GetString(flagLogLevel)
	}
	if c.v.IsSet(flagLogFormat) && c.v.GetString(flagLogFormat) != "" {
		cfg.Logging.Format = c.v.GetString(flagLogFormat)
	}
	if c.v.GetBool(flagVerbose) {
		cfg.Logging.Level = "debug"
	}
	if s := c.v.GetString(flagStorage); s != "" {
		cfg.Storage.Backend = s
	}
	if p := c.v.GetString(flagProvider); p != "" {
		cfg.Provider.Type = p
	}
	if dir := c.v.GetString(flagDataDir); dir != "" {
		cfg.SetDataDir(dir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

// run adapts fn into a cobra RunE that opens the App, runs fn and then
// writes the metrics textfile and closes the App, even when fn fails.
func (c *command) run(fn func(cmd *cobra.Command, args []string, app *App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := c.open(cmd)
		if err != nil {
			return err
		}
		defer c.finish()
		return fn(cmd, args, app)
	}
}

// open builds the App once per invocation.
func (c *command) open(cmd *cobra.Command) (*App, error) {
	if c.app != nil {
		return c.app, nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, c.opts.Err)
	if err != nil {
		return nil, err
	}
	app, err := c.opts.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	c.app = app
	return app, nil
}

// finish writes the metrics textfile and closes the App.
func (c *command) finish() {
	if c.app == nil {
		return
	}
	if path := c.cfg.Metrics.Textfile; path != "" && metrics.IsEnabled() {
		if err := metrics.WriteTextfile(path, c.opts.Gatherer); err != nil {
			c.app.Logger.Warn("metrics textfile not written", logging.Error(err))
		}
	}
	if err := c.app.Close(); err != nil {
		c.app.Logger.Warn("close failed", logging.Error(err))
	}
	c.app = nil
}
