//go:build linux

package main

import "golang.org/x/sys/unix"

// lockMemory keeps the process resident so edge handling never waits on a
// page fault.
func lockMemory() error {
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}
