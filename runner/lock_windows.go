//go:build windows

package runner

import "os"

// processAlive only reports false when the process handle cannot be opened.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
