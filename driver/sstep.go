package driver

import (
	"fmt"
	"sync"
)

// stepState holds one single-step flag per vCPU. A flag is set while
// stepping is armed on that vCPU.
type stepState struct {
	mu    sync.RWMutex
	flags []bool
}

func newStepState(nvcpus int) *stepState {
	return &stepState{flags: make([]bool, nvcpus)}
}

func (s *stepState) check(vcpu int) error {
	if vcpu < 0 || vcpu >= len(s.flags) {
		return fmt.Errorf("%w: vcpu %d, have %d", ErrVCPURange, vcpu, len(s.flags))
	}

	return nil
}

func (s *stepState) set(vcpu int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(vcpu); err != nil {
		return err
	}

	s.flags[vcpu] = on

	return nil
}

func (s *stepState) enable(vcpu int) error  { return s.set(vcpu, true) }
func (s *stepState) disable(vcpu int) error { return s.set(vcpu, false) }

func (s *stepState) isEnabled(vcpu int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(vcpu); err != nil {
		return false, err
	}

	return s.flags[vcpu], nil
}

// grow extends the flags to n vCPUs. It never shrinks.
func (s *stepState) grow(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.flags) < n {
		s.flags = append(s.flags, false)
	}
}

// snapshot returns the ids of vCPUs with stepping armed.
func (s *stepState) snapshot() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var on []int

	for i, f := range s.flags {
		if f {
			on = append(on, i)
		}
	}

	return on
}
