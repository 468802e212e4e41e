package cloud

import (
	"context"
	"errors"
	"slices"
)

type (
	// Stack records destructors for resources created during a run.
	Stack struct {
		destructors []Destructor
	}
	Destructor func(ctx context.Context) error
)

// Push adds a destructor, to be run in the reverse order they were added.
func (s *Stack) Push(d Destructor) {
	s.destructors = append(s.destructors, d)
}

// Len reports how many destructors are pending.
func (s *Stack) Len() int {
	return len(s.destructors)
}

// Destroy calls all accumulated destructors in the reverse order they were
// added, returning all encountered errors joined. The stack is empty
// afterwards.
func (s *Stack) Destroy(ctx context.Context) error {
	var errs error
	for _, destructor := range slices.Backward(s.destructors) {
		errs = errors.Join(errs, destructor(ctx))
	}
	s.destructors = nil
	return errs
}

// Discard forgets every pending destructor, keeping the resources.
func (s *Stack) Discard() {
	s.destructors = nil
}
