package errors

import (
	"fmt"
	"runtime"
	"strings"
)

const maxStackDepth = 32

type stack []uintptr

func callers() *stack {
	var pcs [maxStackDepth]uintptr
	// skip runtime.Callers, this function and the public constructor.
	n := runtime.Callers(3, pcs[:])
	var st stack = pcs[0:n]
	return &st
}

// fullStack renders each frame as "pkg.func(file:line)".
func (s *stack) fullStack() []string {
	frames := runtime.CallersFrames(*s)
	stacks := make([]string, 0, len(*s))
	for {
		frame, more := frames.Next()
		if strings.Contains(frame.Function, "runtime.") {
			if !more {
				break
			}
			continue
		}
		stacks = append(stacks, fmt.Sprintf("%s(%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	if len(stacks) < 3 {
		// reporters index into the first frames for rate limiting.
		for len(stacks) < 3 {
			stacks = append(stacks, "unknown")
		}
	}
	return stacks
}

type stackTracer interface {
	fullStack() []string
}

// Stacks returns the captured stack of err, if any.
func Stacks(err error) []string {
	var tracer stackTracer
	if As(err, &tracer) {
		return tracer.fullStack()
	}
	return nil
}
