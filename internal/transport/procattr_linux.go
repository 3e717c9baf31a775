//go:build linux

package transport

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the agent in its own process group and has the kernel
// send SIGTERM to it if this process dies first.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
