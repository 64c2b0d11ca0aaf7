//go:build !windows

package sandbox

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// killGroup delivers SIGKILL to the child's whole process group. A group
// that already vanished is not an error.
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}
