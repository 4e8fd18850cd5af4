package lifetime

import (
	"io"

	"golang.org/x/exp/slog"
)

type entry struct {
	name    string
	destroy func()
}

// Stack runs destroy operations in the reverse of the order they were pushed. Components push
// each object right after creating it, so an error partway through construction can unwind
// exactly what was built, and a full teardown releases dependents before what they depend on.
type Stack struct {
	noCopy noCopy

	logger  *slog.Logger
	entries []entry
}

// NewStack creates an empty Stack. logger receives a debug log for every destroy operation run;
// nil discards them.
func NewStack(logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Stack{logger: logger}
}

// Push schedules destroy to run when the Stack is destroyed
func (s *Stack) Push(name string, destroy func()) {
	s.entries = append(s.entries, entry{name: name, destroy: destroy})
}

// Len is the number of pending destroy operations
func (s *Stack) Len() int {
	return len(s.entries)
}

// Adopt moves the value held by owned onto stack and returns it. owned is left empty.
func Adopt[T any](stack *Stack, name string, owned *Owned[T]) T {
	moved := owned.Move()
	stack.Push(name, moved.Destroy)
	return moved.Get()
}

// AdoptCollection moves the values held by owned onto stack and returns them. owned is left
// empty.
func AdoptCollection[T any](stack *Stack, name string, owned *Collection[T]) []T {
	moved := owned.Move()
	stack.Push(name, moved.Destroy)
	return moved.Values()
}

// Release drops every pending destroy operation without running it and returns them as a new
// Stack, which now owns them
func (s *Stack) Release() *Stack {
	released := &Stack{
		logger:  s.logger,
		entries: s.entries,
	}
	s.entries = nil
	return released
}

// Destroy runs every pending destroy operation, most recently pushed first, and leaves the
// Stack empty
func (s *Stack) Destroy() {
	for len(s.entries) > 0 {
		last := s.entries[len(s.entries)-1]
		s.entries = s.entries[:len(s.entries)-1]

		s.logger.Debug("Stack::Destroy", slog.String("object", last.name))
		last.destroy()
	}
}
