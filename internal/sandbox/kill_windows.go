//go:build windows

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// killGroup terminates the direct child. Windows offers no kernel process
// groups here, so grandchildren may outlive the kill.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %d: %w", cmd.Process.Pid, err)
	}
	return nil
}
