package copier

import (
	"errors"
	"syscall"

	"github.com/google/uuid"
)

func uniqueSuffix() string {
	return uuid.New().String()
}

// isDiskFull reports whether err ultimately wraps ENOSPC.
func isDiskFull(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ENOSPC
	}
	return false
}
