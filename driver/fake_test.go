package driver_test

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/govmi/govmi/driver"
	"github.com/govmi/govmi/kvmi"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	errBroken = errors.New("broken pipe")
	errGone   = errors.New("no such domain")
)

type reply struct {
	VCPU     uint16
	Seq      uint32
	Decision kvmi.Decision
}

type step struct {
	VCPU   uint16
	Enable bool
}

// transport is an in-memory hypervisor end.
type transport struct {
	events chan *kvmi.Event
	closeC chan struct{}

	mu        sync.Mutex
	seq       uint32
	vcpus     int
	replies   []reply
	steps     []step
	pauses    []int
	onPause   func(n int)
	replyErr  error
	okReplies int
	closed    bool
}

func newTransport(vcpus int) *transport {
	return &transport{
		events: make(chan *kvmi.Event, 256),
		closeC: make(chan struct{}),
		vcpus:  vcpus,
	}
}

// push queues an event of kind k for vcpu.
func (t *transport) push(k kvmi.EventKind, vcpu uint16) {
	t.mu.Lock()
	t.seq++
	ev := &kvmi.Event{Seq: t.seq, Kind: k, VCPU: vcpu}
	t.mu.Unlock()

	t.events <- ev
}

// badEvent stands in for an event frame that did not decode.
var badEvent = &kvmi.Event{}

// pushBad queues an undecodable event.
func (t *transport) pushBad() { t.events <- badEvent }

func popped(ev *kvmi.Event) (*kvmi.Event, error) {
	if ev == badEvent {
		return nil, fmt.Errorf("%w: %w: want 0 instruction bytes, have 1", kvmi.ErrBadEvent, kvmi.ErrMalformed)
	}

	return ev, nil
}

func (t *transport) Pop(timeout time.Duration) (*kvmi.Event, error) {
	if timeout == 0 {
		select {
		case ev := <-t.events:
			return popped(ev)
		case <-t.closeC:
			return nil, errBroken
		default:
			return nil, kvmi.ErrNoEvent
		}
	}

	var expire <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expire = timer.C
	}

	select {
	case ev := <-t.events:
		return popped(ev)
	case <-t.closeC:
		return nil, errBroken
	case <-expire:
		return nil, kvmi.ErrNoEvent
	}
}

func (t *transport) Reply(ev *kvmi.Event, d kvmi.Decision) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.replyErr != nil {
		if t.okReplies == 0 {
			return t.replyErr
		}

		t.okReplies--
	}

	t.replies = append(t.replies, reply{VCPU: ev.VCPU, Seq: ev.Seq, Decision: d})

	return nil
}

// failRepliesAfter makes every reply after the next n fail.
func (t *transport) failRepliesAfter(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.replyErr = errBroken
	t.okReplies = n
}

func (t *transport) ControlSingleStep(vcpu uint16, enable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.steps = append(t.steps, step{VCPU: vcpu, Enable: enable})

	return nil
}

func (t *transport) PauseVCPUs(count int) error {
	t.mu.Lock()
	t.pauses = append(t.pauses, count)
	fn := t.onPause
	t.mu.Unlock()

	if fn != nil {
		fn(count)
	}

	return nil
}

func (t *transport) VCPUCount() (int, error) {
	if t.vcpus < 0 {
		return 0, errBroken
	}

	return t.vcpus, nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		close(t.closeC)
	}

	return nil
}

func (t *transport) setOnPause(fn func(n int)) {
	t.mu.Lock()
	t.onPause = fn
	t.mu.Unlock()
}

func (t *transport) sentReplies() []reply {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]reply(nil), t.replies...)
}

func (t *transport) sentSteps() []step {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]step(nil), t.steps...)
}

func (t *transport) pauseRequests() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]int(nil), t.pauses...)
}

func (t *transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.closed
}

type domain struct {
	mu       sync.Mutex
	suspends int
	resumes  int
}

func (d *domain) Name() string { return "guest" }
func (d *domain) ID() uint32   { return 7 }

func (d *domain) Suspend() error {
	d.mu.Lock()
	d.suspends++
	d.mu.Unlock()

	return nil
}

func (d *domain) Resume() error {
	d.mu.Lock()
	d.resumes++
	d.mu.Unlock()

	return nil
}

type conn struct {
	dom     *domain
	missing bool
	closed  bool
}

func (c *conn) Lookup(ident string) (driver.Domain, error) {
	if c.missing || ident != "guest" {
		return nil, errGone
	}

	return c.dom, nil
}

func (c *conn) Close() error {
	c.closed = true

	return nil
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return logrus.NewEntry(l)
}

// attach returns a driver for a VM with vcpus vCPUs.
func attach(t *testing.T, vcpus int, opts ...driver.Option) (*driver.Driver, *transport) {
	t.Helper()

	tr := newTransport(vcpus)
	dial := func(driver.Domain) (driver.Transport, error) { return tr, nil }

	d, err := driver.Attach(&conn{dom: &domain{}}, "guest", dial, append([]driver.Option{driver.WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() { d.Detach() })

	return d, tr
}

// ackAll makes the hypervisor park every requested vCPU that is not
// already parked.
func ackAll(tr *transport, vcpus ...uint16) {
	tr.setOnPause(func(int) {
		for _, v := range vcpus {
			tr.push(kvmi.EventPauseVCPU, v)
		}
	})
}
