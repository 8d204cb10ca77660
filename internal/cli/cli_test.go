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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-securestore/internal/config"
	"github.com/jeremyhahn/go-securestore/pkg/enclave/software"
	"github.com/jeremyhahn/go-securestore/pkg/logging"
	"github.com/jeremyhahn/go-securestore/pkg/secret"
	"github.com/jeremyhahn/go-securestore/pkg/storage"
	"github.com/jeremyhahn/go-securestore/pkg/storage/memory"
)

// harness keeps one store and one provider across command invocations so
// that keys and secrets survive like they would on disk.
type harness struct {
	store      storage.Backend
	provider   *software.Provider
	configPath string
	opened     int
}

func newHarness(t *testing.T, hardware bool) *harness {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "SECURESTORE_") {
			t.Setenv(name, "")
		}
	}

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("storage:\n  backend: memory\nprovider:\n  type: software\nlock_file: %s\n",
		filepath.Join(dir, "provision.lock"))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

	h := &harness{
		store:      memory.New(),
		configPath: configPath,
	}
	h.provider = software.New(&software.Config{Items: h.store, Unavailable: !hardware})
	t.Cleanup(func() {
		h.provider.Close()
		h.store.Close()
	})
	return h
}

func (h *harness) open(_ context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	h.opened++
	return NewApp(cfg, h.store, h.provider, logger)
}

func (h *harness) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommand(Options{
		In:   strings.NewReader(stdin),
		Out:  &out,
		Err:  &errOut,
		Open: h.open,
	})
	root.SetArgs(append([]string{"--config", h.configPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func (h *harness) raw(t *testing.T, name string) []byte {
	t.Helper()
	data, err := h.store.Get(storage.SecretPath(name))
	require.NoError(t, err)
	return data
}

func TestVersion(t *testing.T) {
	h := newHarness(t, false)

	out, err := h.run(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "securestore version "+Version)
	assert.Zero(t, h.opened, "version does not open the store")

	out, err = h.run(t, "", "-o", "json", "version")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, Version, v["version"])
}

func TestUserID_HardwareRoundTrip(t *testing.T) {
	h := newHarness(t, true)

	out, err := h.run(t, "", "userid", "set", "alice@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "saved under the hardware-protected key")

	out, err = h.run(t, "", "userid", "get")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com\n", out)

	assert.NotEqual(t, []byte("alice@example.com"), h.raw(t, secret.UserIDName))
}

func TestUserID_PlaintextFallback(t *testing.T) {
	h := newHarness(t, false)

	out, err := h.run(t, "", "userid", "set", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "stored as plaintext")
	assert.Equal(t, []byte("bob"), h.raw(t, secret.UserIDName))

	out, err = h.run(t, "", "userid", "get")
	require.NoError(t, err)
	assert.Equal(t, "bob\n", out)
}

func TestToken_FromStdin(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.run(t, "token-123\n", "token", "set")
	require.NoError(t, err)

	out, err := h.run(t, "", "-o", "json", "token", "get")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, secret.TouchIDTokenName, v["name"])
	assert.Equal(t, "token-123", v["value"])
}

func TestSecret_Commands(t *testing.T) {
	h := newHarness(t, true)

	out, err := h.run(t, "", "secret", "get", "missing")
	require.NoError(t, err)
	assert.Equal(t, "\n", out)

	_, err = h.run(t, "", "secret", "get", "--strict", "missing")
	assert.ErrorIs(t, err, secret.ErrSecretNotFound)

	_, err = h.run(t, "", "secret", "set", "api", "k-1")
	require.NoError(t, err)
	_, err = h.run(t, "v\n", "secret", "set", "db", "-")
	require.NoError(t, err)

	out, err = h.run(t, "", "secret", "list")
	require.NoError(t, err)
	assert.Equal(t, "api\ndb\n", out)

	out, err = h.run(t, "", "secret", "get", "db")
	require.NoError(t, err)
	assert.Equal(t, "v\n", out)

	_, err = h.run(t, "", "secret", "delete", "api")
	require.NoError(t, err)
	_, err = h.run(t, "", "secret", "delete", "api")
	assert.ErrorIs(t, err, secret.ErrSecretNotFound)

	_, err = h.run(t, "", "secret", "set", "../escape", "x")
	assert.ErrorIs(t, err, secret.ErrInvalidName)
}

func TestKey_Lifecycle(t *testing.T) {
	h := newHarness(t, true)

	out, err := h.run(t, "", "key", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "State:       absent")
	assert.NotContains(t, out, "Fingerprint")

	out, err = h.run(t, "", "-o", "json", "key", "ensure")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "present", info["state"])
	assert.Len(t, info["fingerprint"], 64)
	fingerprint := info["fingerprint"]

	out, err = h.run(t, "", "-o", "json", "key", "ensure")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, fingerprint, info["fingerprint"], "ensure is idempotent")

	_, err = h.run(t, "", "userid", "set", "alice")
	require.NoError(t, err)

	_, err = h.run(t, "", "key", "destroy")
	assert.ErrorContains(t, err, "--yes")

	_, err = h.run(t, "", "key", "destroy", "--yes")
	require.NoError(t, err)

	out, err = h.run(t, "", "userid", "get")
	require.NoError(t, err)
	assert.Equal(t, "\n", out, "old ciphertext is unreadable under the new key")
}

func TestStatus(t *testing.T) {
	h := newHarness(t, false)

	out, err := h.run(t, "", "-o", "json", "status")
	require.NoError(t, err)

	var status struct {
		Capability struct {
			Provider          string `json:"provider"`
			ProviderAvailable bool   `json:"provider_available"`
			Available         bool   `json:"available"`
		} `json:"capability"`
		KeyState string `json:"key_state"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, software.Name, status.Capability.Provider)
	assert.False(t, status.Capability.ProviderAvailable)
	assert.False(t, status.Capability.Available)
	assert.Equal(t, "absent", status.KeyState)

	out, err = h.run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Hardware security: unavailable")
}

func TestMetrics(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.run(t, "", "userid", "set", "alice")
	require.NoError(t, err)

	out, err := h.run(t, "", "metrics")
	require.NoError(t, err)
	assert.Contains(t, out, "securestore_operations_total")
	assert.Contains(t, out, "securestore_hardware_available")

	path := filepath.Join(t.TempDir(), "securestore.prom")
	_, err = h.run(t, "", "metrics", "--textfile", path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "securestore_secret_writes_total")

	t.Setenv("SECURESTORE_METRICS", "false")
	_, err = h.run(t, "", "metrics")
	assert.ErrorIs(t, err, errMetricsDisabled)
}

func TestFlagsAndEnv(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.run(t, "", "--provider", "enclave", "status")
	assert.ErrorContains(t, err, "invalid provider")

	_, err = h.run(t, "", "--log-level", "loud", "status")
	assert.ErrorContains(t, err, "invalid log level")

	t.Setenv("SECURESTORE_OUTPUT", "json")
	out, err := h.run(t, "", "userid", "get")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))
}

func TestOpen_MemoryAndSoftware(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.StorageMemory
	cfg.Provider.Type = config.ProviderSoftware
	cfg.LockFile = ""

	app, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer app.Close()

	assert.Equal(t, software.Name, app.Provider.Name())
	require.NoError(t, app.Secrets.SetSecret("k", "v"))
	assert.Equal(t, "v", app.Secrets.GetSecret("k"))
}

func TestOpen_AutoWithoutHardware(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.StorageFile
	cfg.Storage.Path = t.TempDir()
	cfg.Provider.Type = config.ProviderAuto
	cfg.Provider.TPM2.Device = filepath.Join(t.TempDir(), "no-such-tpm")
	cfg.LockFile = ""

	app, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer app.Close()

	assert.False(t, app.Secrets.IsHardwareSecurityAvailable())
	require.NoError(t, app.Secrets.SetUserID("carol"))
	assert.Equal(t, "carol", app.Secrets.UserID())
}

func TestOpen_Errors(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "etcd"
	_, err := Open(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "unknown storage backend")

	cfg = config.Default()
	cfg.Storage.Backend = config.StorageMemory
	cfg.Provider.Type = config.ProviderPKCS11
	_, err = Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}
