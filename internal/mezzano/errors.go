package mezzano

import "errors"

var (
	// ErrConfig marks stage-1 failures: bad arguments, unreadable or
	// invalid headers, insufficient memory. Nothing has been committed and
	// the shell just reports the command as failed.
	ErrConfig = errors.New("mezzano: configuration error")

	// ErrBoot marks failures after the paging contexts have been partially
	// built. The allocator pool is consumed and the machine state is
	// unrecoverable; on real hardware this halts.
	ErrBoot = errors.New("mezzano: boot error")
)
