package kern

import "errors"

// Errors returned by the kernel's system calls.
var (
	ErrInval     = errors.New("kern: invalid parameter")
	ErrBadEnv    = errors.New("kern: bad environment")
	ErrNoFreeEnv = errors.New("kern: no free environment")
	ErrNoMem     = errors.New("kern: out of memory")
	ErrFault     = errors.New("kern: address not mapped")
)
