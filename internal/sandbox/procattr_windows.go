//go:build windows

package sandbox

import "os/exec"

func configureSysProcAttr(cmd *exec.Cmd) {}
