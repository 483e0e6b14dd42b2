package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/govmi/govmi/kvmi"
)

// State is the pause state of the VM as seen by the driver.
type State uint8

const (
	// Running means no pause has been requested since the last resume.
	Running State = iota
	// PauseRequested means a pause was issued and not every vCPU has
	// acknowledged it yet.
	PauseRequested
	// Paused means every vCPU has acknowledged and is parked.
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case PauseRequested:
		return "pause-requested"
	case Paused:
		return "paused"
	}

	return fmt.Sprintf("State(%d)", uint8(s))
}

type waitResult uint8

const (
	waitDone waitResult = iota
	waitExpired
	waitKicked
)

// barrier counts pause acknowledgments. It holds the parked vCPUs' events
// until Resume answers them.
type barrier struct {
	mu   sync.Mutex
	cond *sync.Cond

	state    State
	busy     bool
	expected int
	acked    []bool
	queue    []*kvmi.Event
	kicks    uint64
	closed   bool
	started  time.Time
}

func newBarrier(nvcpus int) *barrier {
	b := &barrier{acked: make([]bool, nvcpus)}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// signalDecrement records the acknowledgment carried by ev. While a pause
// is in flight it decrements the expected count and wakes the waiters once
// the count reaches zero.
func (b *barrier) signalDecrement(ev *kvmi.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := int(ev.VCPU)

	switch {
	case v >= len(b.acked):
		return fmt.Errorf("%w: vcpu %d, have %d", ErrVCPURange, v, len(b.acked))
	case b.acked[v]:
		return fmt.Errorf("%w: vcpu %d", ErrDuplicateAck, v)
	}

	b.acked[v] = true
	b.queue = append(b.queue, ev)

	if b.state == PauseRequested && b.expected > 0 {
		b.expected--
		if b.expected == 0 {
			b.cond.Broadcast()
		}
	}

	return nil
}

// beginPause reserves the barrier for one pause. It returns the number of
// vCPUs to ask to pause; zero means no request must be sent, either because
// every vCPU is already parked or because an earlier pause request is still
// outstanding.
func (b *barrier) beginPause() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrDetached
	}

	if b.busy {
		return 0, ErrBusy
	}

	switch b.state {
	case Paused:
		return 0, ErrAlreadyPaused
	case PauseRequested:
		b.busy = true

		return 0, nil
	}

	parked := 0

	for _, a := range b.acked {
		if a {
			parked++
		}
	}

	b.busy = true
	b.state = PauseRequested
	b.expected = len(b.acked) - parked
	b.started = time.Now()

	return b.expected, nil
}

// abortPause releases the barrier after a failed or expired wait. The state
// and the count are left as they are so that a retry resumes the wait.
func (b *barrier) abortPause() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.busy = false
}

// cancelPause undoes beginPause when the pause request could not be sent.
func (b *barrier) cancelPause() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.busy = false
	b.state = Running
	b.expected = 0
}

// finishPause marks the VM paused and returns how long the pause took.
func (b *barrier) finishPause() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.busy = false
	b.state = Paused
	b.expected = 0

	return time.Since(b.started)
}

// waitUntilZero blocks until the expected count is zero, the deadline
// passes or the kick count differs from seen. A zero deadline never expires.
func (b *barrier) waitUntilZero(deadline time.Time, seen uint64) waitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !deadline.IsZero() {
		t := time.AfterFunc(time.Until(deadline), b.kick)
		defer t.Stop()
	}

	for b.expected > 0 {
		if b.closed {
			return waitKicked
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return waitExpired
		}

		if b.kicks != seen {
			return waitKicked
		}

		b.cond.Wait()
	}

	return waitDone
}

// done reports whether the expected count has reached zero.
func (b *barrier) done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.expected == 0
}

func (b *barrier) kickCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.kicks
}

// kick wakes every waiter so it re-evaluates who pumps the channel.
func (b *barrier) kick() {
	b.mu.Lock()
	b.kicks++
	b.mu.Unlock()

	b.cond.Broadcast()
}

// beginResume reserves the barrier for a resume and returns the queued
// acknowledgments in arrival order.
func (b *barrier) beginResume() ([]*kvmi.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrDetached
	}

	if b.busy {
		return nil, ErrBusy
	}

	if b.state == Running {
		return nil, ErrNotPaused
	}

	b.busy = true

	return append([]*kvmi.Event(nil), b.queue...), nil
}

// released removes the first n queued acknowledgments, which have been
// answered, and clears their vCPUs' acknowledged flags.
func (b *barrier) released(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range b.queue[:n] {
		if int(ev.VCPU) < len(b.acked) {
			b.acked[ev.VCPU] = false
		}
	}

	b.queue = append(b.queue[:0], b.queue[n:]...)
}

// endResume releases the barrier. On success the VM is running again.
func (b *barrier) endResume(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.busy = false

	if ok {
		b.state = Running
		b.expected = 0
	}
}

// grow extends the acknowledgment storage to n vCPUs. A vCPU created after
// the pause request was sent is not waited for.
func (b *barrier) grow(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.acked) < n {
		b.acked = append(b.acked, false)
	}
}

// close fails every later reservation and wakes the waiters.
func (b *barrier) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cond.Broadcast()
}

type barrierStatus struct {
	state    State
	expected int
	queued   []uint16
	vcpus    int
}

func (b *barrier) status() barrierStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := barrierStatus{state: b.state, expected: b.expected, vcpus: len(b.acked)}
	for _, ev := range b.queue {
		s.queued = append(s.queued, ev.VCPU)
	}

	return s
}
