package cryptoutil

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport reports whether the running CPU has AES instruction
// support the Go runtime's crypto/aes and crypto/cipher implementations can
// use. This is informational only — stdlib AES already dispatches to the
// hardware path on its own when available; callers use this to label
// metrics, not to change cipher behavior.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// HardwareAccelerationInfo summarizes AES hardware support for diagnostics
// and metrics labeling (see internal/metrics.SetHardwareAccelerationStatus).
func HardwareAccelerationInfo() map[string]interface{} {
	return map[string]interface{}{
		"aes_hardware_support": HasAESHardwareSupport(),
		"architecture":         runtime.GOARCH,
		"goos":                 runtime.GOOS,
		"go_version":           runtime.Version(),
	}
}
