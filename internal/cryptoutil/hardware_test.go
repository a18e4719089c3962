package cryptoutil

import "testing"

func TestHasAESHardwareSupport(t *testing.T) {
	// Can't mock CPU feature flags; just verify this doesn't panic and
	// returns a stable value across calls.
	first := HasAESHardwareSupport()
	if HasAESHardwareSupport() != first {
		t.Error("HasAESHardwareSupport returned inconsistent results across calls")
	}
}

func TestHardwareAccelerationInfo(t *testing.T) {
	info := HardwareAccelerationInfo()

	requiredFields := []string{"aes_hardware_support", "architecture", "goos", "go_version"}
	for _, field := range requiredFields {
		if _, ok := info[field]; !ok {
			t.Errorf("HardwareAccelerationInfo() missing field: %s", field)
		}
	}

	if info["aes_hardware_support"] != HasAESHardwareSupport() {
		t.Error("HardwareAccelerationInfo aes_hardware_support does not match HasAESHardwareSupport()")
	}
}
