package spawn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/mos/internal/kern"
)

// Stage names the step of a spawn that failed.
type Stage string

const (
	StageOpen      Stage = "open"
	StageAlloc     Stage = "alloc"
	StageStack     Stage = "stack"
	StageLoad      Stage = "load"
	StageSetup     Stage = "setup"
	StagePropagate Stage = "propagate"
	StageActivate  Stage = "activate"
)

// Failure kinds, matched with errors.Is against a returned *Error.
var (
	ErrOpen          = errors.New("cannot open program")
	ErrAlloc         = errors.New("no free process slot")
	ErrOutOfSpace    = errors.New("arguments do not fit in one page")
	ErrBadArgument   = errors.New("argument contains a NUL byte")
	ErrNotExecutable = errors.New("not an executable image")
	ErrRead          = errors.New("cannot read program page")
	ErrMap           = errors.New("page map failed")
	ErrAllocPage     = errors.New("page allocation failed")
	ErrSetup         = errors.New("cannot set child state")
	ErrPropagate     = errors.New("shared page propagation failed")
	ErrActivation    = errors.New("cannot make child runnable")
)

// Error is the tagged failure returned by every spawn operation.
type Error struct {
	Stage Stage
	Path  string
	Env   kern.EnvID
	// Addr is the offending virtual address or file offset, if any.
	Addr uint32
	Kind error
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "spawn %s", e.Stage)
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Env != 0 {
		fmt.Fprintf(&b, " env %v", e.Env)
	}
	if e.Addr != 0 {
		fmt.Fprintf(&b, " at %#x", e.Addr)
	}
	fmt.Fprintf(&b, ": %v", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func stageErr(stage Stage, kind error, addr uint32, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Addr: addr, Err: err}
}
