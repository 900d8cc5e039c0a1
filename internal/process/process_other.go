//go:build windows

package process

import "os/exec"

// configureProcess is a no-op on Windows.
func configureProcess(_ *exec.Cmd) {}

// terminateGroup kills the process outright; Windows has no SIGTERM.
func terminateGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
