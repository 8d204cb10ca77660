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

// Package metrics provides Prometheus instrumentation for securestore
// operations: key provisioning, encryption, decryption, secret access and
// hardware capability probes.
package metrics

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const (
	// Namespace is the Prometheus namespace for all securestore metrics
	Namespace = "securestore"

	// Label names
	LabelOperation = "operation"
	LabelProvider  = "provider"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelEncoding  = "encoding"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpEnsureKey    = "ensure_key"
	OpGenerate     = "generate"
	OpEncrypt      = "encrypt"
	OpDecrypt      = "decrypt"
	OpDestroyKey   = "destroy_key"
	OpSecretSet    = "secret_set"
	OpSecretGet    = "secret_get"
	OpSecretDelete = "secret_delete"
	OpProbe        = "probe"

	// Encoding values for stored secrets
	EncodingEncrypted = "encrypted"
	EncodingPlaintext = "plaintext"
)

var (
	// OperationsTotal tracks operations by type, provider and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of securestore operations by type, provider, and status",
		},
		[]string{LabelOperation, LabelProvider, LabelStatus},
	)

	// OperationDuration tracks the duration of operations in seconds.
	// Hardware key generation can take well over a second on a TPM.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of securestore operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{LabelOperation, LabelProvider},
	)

	// ErrorsTotal tracks errors by operation, provider and error type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation, provider, and error type",
		},
		[]string{LabelOperation, LabelProvider, LabelErrorType},
	)

	// SecretWritesTotal tracks secret writes by the encoding that was used,
	// which makes software fallback visible.
	SecretWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "secret_writes_total",
			Help:      "Total number of secret writes by storage encoding",
		},
		[]string{LabelEncoding},
	)

	// HardwareAvailable is 1 when the last capability probe for a provider
	// succeeded and 0 otherwise.
	HardwareAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "hardware_available",
			Help:      "Whether hardware-backed key protection was available at the last probe (1) or not (0)",
		},
		[]string{LabelProvider},
	)

	// KeyPresent is 1 when the custodian holds a complete key pair.
	KeyPresent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "key_present",
			Help:      "Whether a complete key pair is persisted (1) or not (0)",
		},
		[]string{LabelProvider},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordOperation records an operation with its duration and status.
//
// Example:
//
//	start := time.Now()
//	ciphertext, err := provider.Encrypt(pub, alg, plaintext)
//	status := metrics.StatusSuccess
//	if err != nil {
//	    status = metrics.StatusError
//	}
//	metrics.RecordOperation(metrics.OpEncrypt, provider.Name(), status, time.Since(start).Seconds())
func RecordOperation(operation, provider, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, provider, status).Inc()
	OperationDuration.WithLabelValues(operation, provider).Observe(duration)
}

// RecordError records an error event. Error types should be specific
// (e.g., "no_key_available", "decryption_failed").
func RecordError(operation, provider, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, provider, errorType).Inc()
}

// RecordSecretWrite records a secret write with the encoding used.
func RecordSecretWrite(encoding string) {
	if !enabled.Load() {
		return
	}
	SecretWritesTotal.WithLabelValues(encoding).Inc()
}

// SetHardwareAvailable records the result of a capability probe.
func SetHardwareAvailable(provider string, available bool) {
	if !enabled.Load() {
		return
	}
	HardwareAvailable.WithLabelValues(provider).Set(boolToFloat(available))
}

// SetKeyPresent records whether a complete key pair exists.
func SetKeyPresent(provider string, present bool) {
	if !enabled.Load() {
		return
	}
	KeyPresent.WithLabelValues(provider).Set(boolToFloat(present))
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}

// WriteText writes every securestore metric family registered with g in
// the Prometheus text exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), Namespace+"_") {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteTextfile writes all metrics registered with g to path for the
// node_exporter textfile collector. The file is replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("metrics: write textfile: %w", err)
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
