// Package config loads the document engine's configuration from a file
// (YAML, TOML, or JSON — whatever spf13/viper's codec detects from the
// extension), with optional hot-reload for the settings that are safe to
// change underneath a running Engine.
package config

import (
	"time"

	"github.com/kenneth/edv-client/internal/audit"
	"github.com/kenneth/edv-client/internal/blindindex"
)

// CipherConfig selects the document cipher suite and stream chunk size.
// Changing these after an Engine has been constructed has no effect on that
// Engine — a new suite needs a new cipher.Pipeline — so these are read once
// at startup, not hot-reloaded.
type CipherConfig struct {
	// Suite is "recommended" (X25519+XChaCha20-Poly1305) or "fips"
	// (P-256+AES-256-GCM). Empty defaults to "recommended".
	Suite string `mapstructure:"suite"`
	// ChunkSize is the stream chunk size in bytes. When the file leaves it
	// unset, the loader fills in 65536 (64 KiB).
	ChunkSize int `mapstructure:"chunk_size"`
}

// IndexConfig declares the blinded indexes the engine maintains, in the
// file's own plain-struct shape (converted to blindindex.Declarations by
// ToDeclarations). A reload hands new declarations to OnChange callbacks; a
// blindindex.Builder keeps the declarations it was constructed with, so an
// Engine already running does not pick them up.
type IndexConfig struct {
	Simple   []SimpleIndexConfig   `mapstructure:"simple"`
	Compound []CompoundIndexConfig `mapstructure:"compound"`
}

type SimpleIndexConfig struct {
	Path   string `mapstructure:"path"`
	Unique bool   `mapstructure:"unique"`
}

type CompoundIndexConfig struct {
	Paths  []string `mapstructure:"paths"`
	Unique bool     `mapstructure:"unique"`
}

// ToDeclarations converts the file-shaped IndexConfig into the
// blindindex.Declarations the Builder consumes.
func (c IndexConfig) ToDeclarations() blindindex.Declarations {
	decls := blindindex.Declarations{
		Simple:   make([]blindindex.SimpleIndexDecl, 0, len(c.Simple)),
		Compound: make([]blindindex.CompoundIndexDecl, 0, len(c.Compound)),
	}
	for _, s := range c.Simple {
		decls.Simple = append(decls.Simple, blindindex.SimpleIndexDecl{Path: s.Path, Unique: s.Unique})
	}
	for _, c := range c.Compound {
		decls.Compound = append(decls.Compound, blindindex.CompoundIndexDecl{Paths: c.Paths, Unique: c.Unique})
	}
	return decls
}

// KMSConfig configures an optional KMIP-backed key manager protecting the
// local party's key-agreement private key at rest. Endpoint empty means no
// KMS is configured and callers hold their private key some other way.
type KMSConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Keys           []KMSKeyRef   `mapstructure:"keys"`
	CAFile         string        `mapstructure:"ca_file"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Provider       string        `mapstructure:"provider"`
	DualReadWindow int           `mapstructure:"dual_read_window"`
}

type KMSKeyRef struct {
	ID      string `mapstructure:"id"`
	Version int    `mapstructure:"version"`
}

// TelemetryConfig configures the OTel TracerProvider.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	PrettyPrint bool    `mapstructure:"pretty_print"`
}

// MetricsConfig configures the Prometheus metrics collectors.
type MetricsConfig struct {
	EnableSuiteLabel bool `mapstructure:"enable_suite_label"`
}

// Config is the engine's full, file-backed configuration.
type Config struct {
	Cipher    CipherConfig     `mapstructure:"cipher"`
	Indexes   IndexConfig      `mapstructure:"indexes"`
	Audit     audit.SinkConfig `mapstructure:"audit"`
	KMS       KMSConfig        `mapstructure:"kms"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
}

// defaults applies the zero-value fallbacks the rest of the module expects
// ("" suite means recommended, etc.) so callers can read fields directly
// without re-deriving these defaults themselves.
func defaults() Config {
	return Config{
		Cipher: CipherConfig{
			Suite:     "recommended",
			ChunkSize: 64 * 1024,
		},
		Metrics: MetricsConfig{
			EnableSuiteLabel: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "edv-client",
			SampleRatio: 1.0,
		},
	}
}
