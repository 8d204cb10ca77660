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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jeremyhahn/go-securestore/pkg/capability"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// KeyInfo describes the application key pair for display.
type KeyInfo struct {
	Provider    string `json:"provider"`
	Algorithm   string `json:"algorithm"`
	State       string `json:"state"`
	PublicTag   string `json:"public_tag"`
	PrivateTag  string `json:"private_tag"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   []byte `json:"-"`
}

// PrintStatus prints a capability report
func (p *Printer) PrintStatus(r capability.Report, keyState string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"capability": r,
			"key_state":  keyState,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Hardware security: %s\n", availability(r.Available))
		fmt.Fprintf(p.writer, "  Platform:  %s (%s)\n", r.Platform, supported(r.PlatformSupported))
		if r.MinKernel != "" {
			fmt.Fprintf(p.writer, "  Kernel:    %s (minimum %s, %s)\n", r.KernelRelease, r.MinKernel, supported(r.KernelSupported))
		} else if r.KernelRelease != "" {
			fmt.Fprintf(p.writer, "  Kernel:    %s\n", r.KernelRelease)
		}
		fmt.Fprintf(p.writer, "  Provider:  %s (%s)\n", r.Provider, availability(r.ProviderAvailable))
		fmt.Fprintf(p.writer, "  Key state: %s\n", keyState)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintValue prints a secret value. An unset secret prints as an empty
// line in text mode.
func (p *Printer) PrintValue(name, value string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"name":  name,
			"value": value,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, value)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSaved prints the notice shown after a successful write
func (p *Printer) PrintSaved(name string, encrypted bool) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"name":      name,
			"saved":     true,
			"encrypted": encrypted,
		})
	case OutputFormatText:
		if encrypted {
			fmt.Fprintf(p.writer, "Success: %s is saved under the hardware-protected key.\n", name)
		} else {
			fmt.Fprintf(p.writer, "Success: %s is saved. Hardware security is unavailable, so it is stored as plaintext.\n", name)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintNames prints stored secret names
func (p *Printer) PrintNames(names []string) error {
	switch p.format {
	case OutputFormatJSON:
		if names == nil {
			names = []string{}
		}
		return p.printJSON(map[string]interface{}{
			"secrets": names,
		})
	case OutputFormatText:
		if len(names) == 0 {
			fmt.Fprintln(p.writer, "No secrets found")
			return nil
		}
		for _, n := range names {
			fmt.Fprintln(p.writer, n)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintKey prints key pair information
func (p *Printer) PrintKey(info KeyInfo) error {
	switch p.format {
	case OutputFormatJSON:
		data := map[string]interface{}{
			"provider":    info.Provider,
			"algorithm":   info.Algorithm,
			"state":       info.State,
			"public_tag":  info.PublicTag,
			"private_tag": info.PrivateTag,
		}
		if info.Fingerprint != "" {
			data["fingerprint"] = info.Fingerprint
			data["public_key"] = base64.StdEncoding.EncodeToString(info.PublicKey)
		}
		return p.printJSON(data)
	case OutputFormatText:
		fmt.Fprintln(p.writer, "Key Pair:")
		fmt.Fprintf(p.writer, "  Provider:    %s\n", info.Provider)
		fmt.Fprintf(p.writer, "  Algorithm:   %s\n", info.Algorithm)
		fmt.Fprintf(p.writer, "  State:       %s\n", info.State)
		fmt.Fprintf(p.writer, "  Public Tag:  %s\n", info.PublicTag)
		fmt.Fprintf(p.writer, "  Private Tag: %s\n", info.PrivateTag)
		if info.Fingerprint != "" {
			fmt.Fprintf(p.writer, "  Fingerprint: %s\n", info.Fingerprint)
			fmt.Fprintf(p.writer, "  Public Key:  %s\n", base64.StdEncoding.EncodeToString(info.PublicKey))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"success": true,
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"error": err.Error(),
		})
	default:
		_, werr := fmt.Fprintf(p.writer, "Error: %v\n", err)
		return werr
	}
}

// printJSON prints data as JSON
func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "unavailable"
}

func supported(ok bool) string {
	if ok {
		return "supported"
	}
	return "unsupported"
}
