//go:build !windows

package agent

// Elevation is a Windows concept; elsewhere only the no-op hook pipeline
// is available, so there is nothing to check.
func checkPrivileges() error { return nil }

func describePrivileges() string { return "not applicable" }
