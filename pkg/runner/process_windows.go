//go:build windows

package runner

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts cmd in a new process group. Cancellation kills the
// direct child only; waitDelay releases the output pipes.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
