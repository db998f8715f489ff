//go:build unix

package client

import "syscall"

// daemonSysProcAttr detaches the spawned daemon into its own session so
// terminal signals do not propagate to it.
func daemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
