//go:build linux

package acquire

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// killGroupOnCancel runs the command in its own process group and kills the
// whole group on cancellation. A wrapper script's children inherit stdout;
// killing only the wrapper would leave the pipe open until they exit.
func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
