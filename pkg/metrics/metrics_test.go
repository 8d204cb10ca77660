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

package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsEnabled(t *testing.T) {
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled by default")
	}

	Disable()
	if IsEnabled() {
		t.Error("Expected metrics to be disabled after Disable()")
	}

	Enable()
	if !IsEnabled() {
		t.Error("Expected metrics to be enabled after Enable()")
	}
}

func TestRecordOperation(t *testing.T) {
	Enable()
	OperationsTotal.Reset()
	OperationDuration.Reset()

	RecordOperation(OpEncrypt, "software", StatusSuccess, 0.002)

	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues(OpEncrypt, "software", StatusSuccess)); got != 1 {
		t.Errorf("Expected 1 operation recorded, got %v", got)
	}
	if count := testutil.CollectAndCount(OperationDuration); count != 1 {
		t.Errorf("Expected 1 histogram series, got %d", count)
	}

	RecordOperation(OpDecrypt, "tpm2", StatusError, 0.1)
	if count := testutil.CollectAndCount(OperationsTotal); count != 2 {
		t.Errorf("Expected 2 series, got %d", count)
	}
}

func TestRecordOperationWhenDisabled(t *testing.T) {
	Disable()
	defer Enable()

	OperationsTotal.Reset()
	RecordOperation(OpGenerate, "software", StatusSuccess, 0.5)

	if count := testutil.CollectAndCount(OperationsTotal); count != 0 {
		t.Errorf("Expected no operations recorded when disabled, got %d", count)
	}
}

func TestRecordError(t *testing.T) {
	Enable()
	ErrorsTotal.Reset()

	RecordError(OpDecrypt, "software", "decryption_failed")
	RecordError(OpDecrypt, "software", "decryption_failed")

	if got := testutil.ToFloat64(ErrorsTotal.WithLabelValues(OpDecrypt, "software", "decryption_failed")); got != 2 {
		t.Errorf("Expected 2 errors, got %v", got)
	}
}

func TestRecordSecretWrite(t *testing.T) {
	Enable()
	SecretWritesTotal.Reset()

	RecordSecretWrite(EncodingEncrypted)
	RecordSecretWrite(EncodingPlaintext)
	RecordSecretWrite(EncodingPlaintext)

	if got := testutil.ToFloat64(SecretWritesTotal.WithLabelValues(EncodingPlaintext)); got != 2 {
		t.Errorf("Expected 2 plaintext writes, got %v", got)
	}
	if got := testutil.ToFloat64(SecretWritesTotal.WithLabelValues(EncodingEncrypted)); got != 1 {
		t.Errorf("Expected 1 encrypted write, got %v", got)
	}
}

func TestGauges(t *testing.T) {
	Enable()
	HardwareAvailable.Reset()
	KeyPresent.Reset()

	SetHardwareAvailable("tpm2", true)
	SetKeyPresent("tpm2", true)
	if got := testutil.ToFloat64(HardwareAvailable.WithLabelValues("tpm2")); got != 1 {
		t.Errorf("Expected hardware available 1, got %v", got)
	}

	SetHardwareAvailable("tpm2", false)
	SetKeyPresent("tpm2", false)
	if got := testutil.ToFloat64(HardwareAvailable.WithLabelValues("tpm2")); got != 0 {
		t.Errorf("Expected hardware available 0, got %v", got)
	}
	if got := testutil.ToFloat64(KeyPresent.WithLabelValues("tpm2")); got != 0 {
		t.Errorf("Expected key present 0, got %v", got)
	}
}

func TestWriteText(t *testing.T) {
	Enable()
	OperationsTotal.Reset()
	RecordOperation(OpSecretSet, "software", StatusSuccess, 0.001)

	reg := prometheus.NewRegistry()
	reg.MustRegister(OperationsTotal)
	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "unrelated_total", Help: "x"})
	reg.MustRegister(other)

	var buf bytes.Buffer
	if err := WriteText(&buf, reg); err != nil {
		t.Fatalf("WriteText() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "securestore_operations_total") {
		t.Errorf("output missing securestore metrics: %s", out)
	}
	if strings.Contains(out, "unrelated_total") {
		t.Errorf("output should only contain securestore metrics: %s", out)
	}
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(SecretWritesTotal)
	RecordSecretWrite(EncodingEncrypted)

	path := filepath.Join(t.TempDir(), "securestore.prom")
	if err := WriteTextfile(path, reg); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "securestore_secret_writes_total") {
		t.Errorf("textfile missing metric: %s", data)
	}
}

func TestMetricsNamespace(t *testing.T) {
	if Namespace != "securestore" {
		t.Errorf("Namespace = %q, want securestore", Namespace)
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	Enable()
	OperationsTotal.Reset()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RecordOperation(OpSecretGet, "software", StatusSuccess, 0.001)
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues(OpSecretGet, "software", StatusSuccess)); got != 50 {
		t.Errorf("Expected 50 operations, got %v", got)
	}
}

func BenchmarkRecordOperation(b *testing.B) {
	Enable()
	for i := 0; i < b.N; i++ {
		RecordOperation(OpEncrypt, "software", StatusSuccess, 0.001)
	}
}
