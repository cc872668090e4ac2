//go:build linux

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// stdinIsTTY reports whether stdin is an interactive terminal, used to pick
// between the raw-mode line editor and a plain line reader.
func stdinIsTTY() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdin.Fd()), unix.TCGETS)
	return err == nil
}
