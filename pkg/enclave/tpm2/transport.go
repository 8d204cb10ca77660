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

package tpm2

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxudstpm"
)

// DefaultDevice is the kernel resource manager device.
const DefaultDevice = "/dev/tpmrm0"

var (
	// ErrOpeningDevice is returned when the TPM device cannot be opened.
	ErrOpeningDevice = errors.New("tpm2: error opening TPM device")

	// ErrSimulatorNotAvailable is returned when simulator support is not
	// compiled in.
	ErrSimulatorNotAvailable = errors.New("tpm2: simulator support not compiled (build with -tags tpm_simulator)")
)

// simulatorOpener is set by the tpm_simulator build.
var simulatorOpener func() (transport.TPM, io.Closer, error)

// openTransport connects to the configured TPM. A device path ending in
// .sock is treated as a swtpm unix socket.
func openTransport(cfg *Config) (transport.TPM, io.Closer, error) {
	switch {
	case cfg.Transport != nil:
		return cfg.Transport, nil, nil

	case cfg.UseSimulator:
		return simulatorOpener()

	case strings.HasSuffix(cfg.Device, ".sock"):
		t, err := linuxudstpm.Open(cfg.Device)
		if err != nil {
			return nil, nil, errors.Join(ErrOpeningDevice, err)
		}
		return t, t, nil

	default:
		f, err := os.OpenFile(cfg.Device, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, errors.Join(ErrOpeningDevice, err)
		}
		return transport.FromReadWriter(f), f, nil
	}
}
