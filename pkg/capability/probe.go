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

// Package capability decides whether hardware-backed secret storage can be
// used on this host. The decision combines three factors, evaluated on every
// call with no caching: the operating system is on an allow-list, the kernel
// (or OS build) version meets a minimum, and the enclave provider reports
// its hardware as available.
package capability

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/jeremyhahn/go-securestore/pkg/enclave"
	"github.com/jeremyhahn/go-securestore/pkg/metrics"
)

// DefaultPlatforms are the operating systems with a supported provider.
var DefaultPlatforms = []string{"linux", "darwin", "windows", "freebsd"}

// ErrInvalidVersion is returned for an unparsable minimum version.
var ErrInvalidVersion = errors.New("capability: invalid version")

// Config configures a Probe.
type Config struct {
	// Platforms is the GOOS allow-list. DefaultPlatforms when empty.
	Platforms []string

	// MinKernel is the minimum kernel release ("5.4") or Windows build
	// ("10.0.19041"). No gate when empty.
	MinKernel string
}

// Report is the breakdown of a single capability evaluation.
type Report struct {
	Platform          string `json:"platform"`
	PlatformSupported bool   `json:"platform_supported"`
	KernelRelease     string `json:"kernel_release"`
	MinKernel         string `json:"min_kernel,omitempty"`
	KernelSupported   bool   `json:"kernel_supported"`
	Provider          string `json:"provider"`
	ProviderAvailable bool   `json:"provider_available"`
	Available         bool   `json:"available"`
}

// Probe evaluates hardware security availability.
type Probe struct {
	provider  enclave.Provider
	platforms map[string]bool
	minKernel *version.Version
	minRaw    string

	goos    string
	release func() (string, error)
}

// New returns a probe for provider.
func New(provider enclave.Provider, cfg *Config) (*Probe, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	platforms := cfg.Platforms
	if len(platforms) == 0 {
		platforms = DefaultPlatforms
	}
	p := &Probe{
		provider:  provider,
		platforms: make(map[string]bool, len(platforms)),
		minRaw:    cfg.MinKernel,
		goos:      runtime.GOOS,
		release:   kernelRelease,
	}
	for _, name := range platforms {
		p.platforms[strings.ToLower(name)] = true
	}
	if cfg.MinKernel != "" {
		v, err := parseVersion(cfg.MinKernel)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidVersion, cfg.MinKernel, err)
		}
		p.minKernel = v
	}
	return p, nil
}

// Available reports whether hardware-backed storage can be used now.
func (p *Probe) Available() bool {
	return p.Report().Available
}

// Report evaluates every factor. The provider is only queried when the
// platform and version gates pass.
func (p *Probe) Report() Report {
	start := time.Now()
	r := Report{
		Platform:  p.goos,
		MinKernel: p.minRaw,
	}
	if p.provider != nil {
		r.Provider = p.provider.Name()
	}

	r.PlatformSupported = p.platforms[p.goos]

	release, err := p.release()
	if err == nil {
		r.KernelRelease = release
	}
	r.KernelSupported = p.kernelSupported(release, err)

	if r.PlatformSupported && r.KernelSupported && p.provider != nil {
		r.ProviderAvailable = p.provider.Available()
	}

	r.Available = r.PlatformSupported && r.KernelSupported && r.ProviderAvailable
	metrics.SetHardwareAvailable(r.Provider, r.Available)
	metrics.RecordOperation(metrics.OpProbe, r.Provider, metrics.StatusSuccess, time.Since(start).Seconds())
	return r
}

func (p *Probe) kernelSupported(release string, err error) bool {
	if p.minKernel == nil {
		return true
	}
	if err != nil {
		return false
	}
	v, err := parseVersion(release)
	if err != nil {
		return false
	}
	return v.GreaterThanOrEqual(p.minKernel)
}

// parseVersion parses a kernel or OS build release and keeps only its
// numeric core, so "6.1.0-18-amd64" compares as 6.1.0 rather than as a
// pre-release. A trailing "+" (locally modified kernels) is ignored.
func parseVersion(s string) (*version.Version, error) {
	v, err := version.NewVersion(strings.TrimRight(strings.TrimSpace(s), "+"))
	if err != nil {
		return nil, err
	}
	return v.Core(), nil
}
