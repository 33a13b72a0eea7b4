//go:build !windows

package worker

import (
	"os"
	"syscall"
)

func terminate(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
