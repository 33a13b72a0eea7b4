//go:build windows

package worker

import "os"

// Windows offers no SIGTERM equivalent through os.Process.
func terminate(proc *os.Process) error {
	return proc.Kill()
}
