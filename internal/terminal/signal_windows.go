//go:build windows

package terminal

import "os/exec"

// Windows has no process groups to signal; kill the shell itself.

func hangupGroup(cmd *exec.Cmd) error {
	return killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
