// Package cleanup provides a cleanup stack that can be used to group multiple io.Closer's.
package cleanup

import (
	"context"
	"errors"
	"io"

	"go.uber.org/multierr"
)

type errFuncCloser func() error

func (f errFuncCloser) Close() error {
	return f()
}

// Stack of closers to clean up. Use Close() to close them
// in the LIFO order. Zero value is useful.
type Stack struct {
	done    bool
	err     error
	closers []io.Closer

	// IgnoreContextCanceled can be used to ignore context.Canceled errors
	// during the shutdown process.
	IgnoreContextCanceled bool
}

// Add closer to the cleanup stack.
func (s *Stack) Add(c ...io.Closer) {
	s.closers = append(s.closers, c...)
}

// AddErrFunc to the cleanup stack.
func (s *Stack) AddErrFunc(fn ...func() error) {
	for _, f := range fn {
		s.closers = append(s.closers, errFuncCloser(f))
	}
}

// Close the stack in the LIFO order. It will only execute once and will remember the error.
// Not safe for concurrent use.
func (s *Stack) Close() error {
	if s.done {
		return s.err
	}

	// We close in reverse order because later closers
	// may depend on earlier ones, same as defer.
	for i := len(s.closers) - 1; i >= 0; i-- {
		err := s.closers[i].Close()
		if errors.Is(err, context.Canceled) && s.IgnoreContextCanceled {
			continue
		}
		s.err = multierr.Append(s.err, err)
	}

	s.done = true
	return s.err
}
