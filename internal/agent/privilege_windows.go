//go:build windows

package agent

import (
	"errors"

	"golang.org/x/sys/windows"
)

var errNotElevated = errors.New("agent must run elevated to install hooks and mount volumes")

func checkPrivileges() error {
	if describePrivileges() != "elevated" {
		return errNotElevated
	}
	return nil
}

func describePrivileges() string {
	if windows.GetCurrentProcessToken().IsElevated() {
		return "elevated"
	}
	return "standard"
}
