//go:build !linux

package errors

import "syscall"

// Key-management errnos are Linux specific.
const (
	errnoCredentialExpired = syscall.EACCES
	errnoCredentialAcquire = syscall.EACCES
)
