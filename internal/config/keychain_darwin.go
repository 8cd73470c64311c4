//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os/exec"
)

func keychainGet(service, account string) ([]byte, error) {
	return exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
}

func keychainSet(service, account, value string) error {
	out, err := exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("writing keychain item %s/%s: %w: %s", service, account, err, out)
	}
	return nil
}

// keychainDelete removes one item; a missing item is not an error.
func keychainDelete(service, account string) error {
	out, err := exec.Command(
		"security", "delete-generic-password",
		"-s", service,
		"-a", account,
	).CombinedOutput()
	var exitErr *exec.ExitError
	// security exits 44 when the item does not exist.
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 44 {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting keychain item %s/%s: %w: %s", service, account, err, out)
	}
	return nil
}
