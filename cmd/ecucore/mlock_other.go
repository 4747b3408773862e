//go:build !linux

package main

import "errors"

func lockMemory() error {
	return errors.New("memory locking not supported on this platform")
}
