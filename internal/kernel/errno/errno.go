// Package errno defines the negated POSIX-style error codes returned at the
// syscall ABI boundary.
package errno

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno is a syscall return value in the error range: strictly negative.
// Non-negative values are never errors.
type Errno int64

// Wire values, negated POSIX errno numbers, per spec.md §4.5/§7.
const (
	ENOSYS = Errno(-int64(unix.ENOSYS))
	EFAULT = Errno(-int64(unix.EFAULT))
	EBADF  = Errno(-int64(unix.EBADF))
	EINVAL = Errno(-int64(unix.EINVAL))
	EINTR  = Errno(-int64(unix.EINTR))
	ENOMEM = Errno(-int64(unix.ENOMEM))
)

var names = map[Errno]string{
	ENOSYS: "ENOSYS",
	EFAULT: "EFAULT",
	EBADF:  "EBADF",
	EINVAL: "EINVAL",
	EINTR:  "EINTR",
	ENOMEM: "ENOMEM",
}

func (e Errno) String() string {
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("errno(%d)", int64(e))
}

func (e Errno) Error() string {
	return e.String()
}

// IsError reports whether a syscall return value denotes failure.
func IsError(ret int64) bool {
	return ret < 0
}
