package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testYAML = `
cipher:
  suite: fips
  chunk_size: 32768
indexes:
  simple:
    - path: email
      unique: true
  compound:
    - paths: [last_name, first_name]
      unique: false
audit:
  type: stdout
kms:
  endpoint: kmip.example.internal:5696
  keys:
    - id: wrapping-key-1
      version: 1
  timeout: 5s
telemetry:
  service_name: edv-client-test
  sample_ratio: 0.25
metrics:
  enable_suite_label: false
`

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewLoader(t *testing.T) {
	path := writeTestConfig(t, testYAML)

	loader, err := NewLoader(path, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	t.Cleanup(func() { _ = loader.Close() })

	cfg := loader.Get()

	if cfg.Cipher.Suite != "fips" {
		t.Errorf("expected suite fips, got %q", cfg.Cipher.Suite)
	}
	if cfg.Cipher.ChunkSize != 32768 {
		t.Errorf("expected chunk size 32768, got %d", cfg.Cipher.ChunkSize)
	}
	if len(cfg.Indexes.Simple) != 1 || cfg.Indexes.Simple[0].Path != "email" {
		t.Errorf("unexpected simple indexes: %+v", cfg.Indexes.Simple)
	}
	if len(cfg.Indexes.Compound) != 1 || len(cfg.Indexes.Compound[0].Paths) != 2 {
		t.Errorf("unexpected compound indexes: %+v", cfg.Indexes.Compound)
	}
	if cfg.KMS.Endpoint != "kmip.example.internal:5696" {
		t.Errorf("unexpected KMS endpoint: %q", cfg.KMS.Endpoint)
	}
	if cfg.KMS.Timeout != 5*time.Second {
		t.Errorf("unexpected KMS timeout: %v", cfg.KMS.Timeout)
	}
	if cfg.Telemetry.SampleRatio != 0.25 {
		t.Errorf("unexpected sample ratio: %v", cfg.Telemetry.SampleRatio)
	}
	if cfg.Metrics.EnableSuiteLabel {
		t.Error("expected enable_suite_label to be false")
	}
}

func TestNewLoader_Defaults(t *testing.T) {
	path := writeTestConfig(t, "cipher:\n  suite: \"\"\n")

	loader, err := NewLoader(path, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	t.Cleanup(func() { _ = loader.Close() })

	cfg := loader.Get()
	if cfg.Cipher.Suite != "recommended" {
		t.Errorf("expected default suite recommended, got %q", cfg.Cipher.Suite)
	}
	if cfg.Cipher.ChunkSize != 64*1024 {
		t.Errorf("expected default chunk size 65536, got %d", cfg.Cipher.ChunkSize)
	}
	if !cfg.Metrics.EnableSuiteLabel {
		t.Error("expected default enable_suite_label true")
	}
}

func TestIndexConfig_ToDeclarations(t *testing.T) {
	ic := IndexConfig{
		Simple: []SimpleIndexConfig{{Path: "email", Unique: true}},
		Compound: []CompoundIndexConfig{
			{Paths: []string{"last_name", "first_name"}, Unique: false},
		},
	}
	decls := ic.ToDeclarations()

	if len(decls.Simple) != 1 || decls.Simple[0].Path != "email" || !decls.Simple[0].Unique {
		t.Errorf("unexpected simple declarations: %+v", decls.Simple)
	}
	if len(decls.Compound) != 1 || len(decls.Compound[0].Paths) != 2 {
		t.Errorf("unexpected compound declarations: %+v", decls.Compound)
	}
}

func TestLoader_OnChange(t *testing.T) {
	path := writeTestConfig(t, testYAML)

	loader, err := NewLoader(path, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	t.Cleanup(func() { _ = loader.Close() })

	received := make(chan Config, 1)
	loader.OnChange(func(cfg Config) {
		received <- cfg
	})

	// Registration itself shouldn't fire the callback.
	select {
	case <-received:
		t.Fatal("OnChange fired before any reload")
	default:
	}
}
