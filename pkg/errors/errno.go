package errors

import (
	stderr "errors"
	"syscall"
)

var codeErrnos = map[ErrorCode]syscall.Errno{
	ErrCodeConnectionLost:    syscall.EIO,
	ErrCodeNetworkError:      syscall.EIO,
	ErrCodeMalformedResponse: syscall.EIO,
	ErrCodeRemoteIO:          syscall.EIO,
	ErrCodeConnectFailed:     syscall.EPERM,
	ErrCodeCredentialExpired: errnoCredentialExpired,
	ErrCodeCredentialAcquire: errnoCredentialAcquire,
	ErrCodePermissionDenied:  syscall.EPERM,
	ErrCodeNotFound:          syscall.ENOENT,
	ErrCodeNotDirectory:      syscall.ENOTDIR,
	ErrCodeIsDirectory:       syscall.EISDIR,
	ErrCodeOutOfDescriptors:  syscall.EMFILE,
	ErrCodePoolClosed:        syscall.ENOTCONN,
	ErrCodeWaitCanceled:      syscall.EINTR,
	ErrCodeInvalidPath:       syscall.EINVAL,
	ErrCodeInvalidQuery:      syscall.EINVAL,
	ErrCodeBadDescriptor:     syscall.EBADF,
	ErrCodeInvalidConfig:     syscall.EINVAL,
	ErrCodeNotSupported:      syscall.ENOSYS,
	ErrCodeExists:            syscall.EEXIST,
	ErrCodeNotEmpty:          syscall.ENOTEMPTY,
}

// Errno maps err to the POSIX code returned to the kernel. Only the filesystem
// adapter calls this; everything below it works with *Error values.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	e, ok := As(err)
	if !ok {
		var errno syscall.Errno
		if stderr.As(err, &errno) {
			return errno
		}
		return syscall.EIO
	}
	if e.Kind == KindLocalIO && e.Errno != 0 {
		return e.Errno
	}
	if errno, ok := codeErrnos[e.Code]; ok {
		return errno
	}
	return syscall.EIO
}
