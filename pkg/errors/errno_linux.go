//go:build linux

package errors

import "golang.org/x/sys/unix"

const (
	errnoCredentialExpired = unix.EKEYEXPIRED
	errnoCredentialAcquire = unix.ENOKEY
)
