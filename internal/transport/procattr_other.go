//go:build !linux

package transport

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the agent in its own process group. Pdeathsig is linux
// only; elsewhere Stop is the only way the group is reaped.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
