//go:build windows

package bridge

import (
	"errors"
	"os"
	"os/exec"
)

func setProcGroup(*exec.Cmd) {}

// terminate kills the process right away, windows has no SIGTERM for console-less children
func terminate(cmd *exec.Cmd) error {
	return forceKill(cmd)
}

func forceKill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
