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

//go:build tpm_simulator

package tpm2

import (
	"io"

	"github.com/google/go-tpm-tools/simulator"
	"github.com/google/go-tpm/tpm2/transport"
)

// simulatorSeed fixes the simulator's primary seeds so SRK-wrapped blobs
// load again after the simulator is reopened.
const simulatorSeed = 1234567890

func openSimulator() (transport.TPM, io.Closer, error) {
	sim, err := simulator.GetWithFixedSeedInsecure(simulatorSeed)
	if err != nil {
		return nil, nil, err
	}
	return transport.FromReadWriter(sim), sim, nil
}

func init() {
	simulatorOpener = openSimulator
}
