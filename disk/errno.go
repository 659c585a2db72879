package disk

import (
	"errors"
	"syscall"
)

// isENOSPC reports whether err (or a wrapped cause) is ENOSPC, the
// signal the write queue uses to enter the disk-full recovery path.
func isENOSPC(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
