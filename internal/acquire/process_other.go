//go:build !linux

package acquire

import "os/exec"

// killGroupOnCancel keeps the default: only the direct child is killed.
func killGroupOnCancel(cmd *exec.Cmd) {}
