package driver_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/govmi/govmi/driver"
	"github.com/govmi/govmi/kvmi"
	"github.com/stretchr/testify/require"
)

func TestPauseWaitsForEveryVCPU(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 4)
	ackAll(tr, 0, 1, 2, 3)

	require.NoError(t, d.Pause())

	s := d.Status()
	require.Equal(t, driver.Paused, s.State)
	require.Zero(t, s.Expected)
	require.Equal(t, []uint16{0, 1, 2, 3}, s.Queued)
	require.Equal(t, []int{4}, tr.pauseRequests())
	require.Empty(t, tr.sentReplies(), "parked vCPUs must not be answered")
}

func TestResumeAnswersEachParkedVCPU(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 4)
	ackAll(tr, 2, 0, 3, 1)

	require.NoError(t, d.Pause())
	require.NoError(t, d.Resume())

	replies := tr.sentReplies()
	require.Len(t, replies, 4)

	for i, v := range []uint16{2, 0, 3, 1} {
		require.Equal(t, v, replies[i].VCPU)
		require.Equal(t, kvmi.Continue, replies[i].Decision)
	}

	s := d.Status()
	require.Equal(t, driver.Running, s.State)
	require.Empty(t, s.Queued)

	// The barrier is reusable.
	require.NoError(t, d.Pause())
	require.NoError(t, d.Resume())
	require.Len(t, tr.sentReplies(), 8)
}

func TestAcksBeforePauseAreReconciled(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 4)

	// Two vCPUs park before anyone asks, e.g. from an earlier timed out pause.
	tr.push(kvmi.EventPauseVCPU, 1)
	tr.push(kvmi.EventPauseVCPU, 3)

	for i := 0; i < 2; i++ {
		require.NoError(t, d.ProcessNextEvent(time.Second))
	}

	require.Equal(t, driver.Running, d.Status().State)

	ackAll(tr, 0, 2)
	require.NoError(t, d.Pause())
	require.Equal(t, []int{2}, tr.pauseRequests())

	require.NoError(t, d.Resume())
	require.Len(t, tr.sentReplies(), 4)
}

func TestPauseWithEveryVCPUParkedSendsNoRequest(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 2)

	tr.push(kvmi.EventPauseVCPU, 0)
	tr.push(kvmi.EventPauseVCPU, 1)

	for i := 0; i < 2; i++ {
		require.NoError(t, d.ProcessNextEvent(time.Second))
	}

	require.NoError(t, d.Pause())
	require.Empty(t, tr.pauseRequests())
	require.Equal(t, driver.Paused, d.Status().State)
}

func TestPauseWithEventLoop(t *testing.T) {
	t.Parallel()

	const vcpus = 4

	d, tr := attach(t, vcpus)

	stop := make(chan struct{})
	loopDone := make(chan error, 1)

	go func() {
		for {
			select {
			case <-stop:
				loopDone <- nil

				return
			default:
			}

			if err := d.ProcessNextEvent(10 * time.Millisecond); err != nil {
				loopDone <- err

				return
			}
		}
	}()

	// Each vCPU parks from its own goroutine, in no particular order.
	tr.setOnPause(func(int) {
		for v := uint16(0); v < uint16(vcpus); v++ {
			v := v
			go func() {
				time.Sleep(time.Duration(vcpus-v) * 5 * time.Millisecond)
				tr.push(kvmi.EventPauseVCPU, v)
			}()
		}
	})

	results := make(chan error, 2)

	go func() { results <- d.Pause() }()

	require.NoError(t, <-results)

	select {
	case err := <-results:
		t.Fatalf("pause returned twice: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.Len(t, d.Status().Queued, vcpus)

	err := d.Pause()
	require.ErrorIs(t, err, driver.ErrUsage)
	require.ErrorIs(t, err, driver.ErrAlreadyPaused)

	close(stop)
	require.NoError(t, <-loopDone)

	require.NoError(t, d.Resume())
	require.Len(t, tr.sentReplies(), vcpus)
}

func TestConcurrentPauseIsUsageError(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 2)

	started := make(chan struct{})

	tr.setOnPause(func(int) { close(started) })

	first := make(chan error, 1)

	go func() { first <- d.PauseTimeout(time.Second) }()

	<-started

	err := d.Pause()
	require.ErrorIs(t, err, driver.ErrUsage)
	require.ErrorIs(t, err, driver.ErrBusy)

	tr.push(kvmi.EventPauseVCPU, 0)
	tr.push(kvmi.EventPauseVCPU, 1)
	require.NoError(t, <-first)
}

func TestPauseTimeout(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 2)

	start := time.Now()
	err := d.PauseTimeout(100 * time.Millisecond)

	require.ErrorIs(t, err, driver.ErrTimeout)
	require.Equal(t, driver.KindTimeout, driver.KindOf(err))
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	s := d.Status()
	require.Equal(t, driver.PauseRequested, s.State)
	require.Equal(t, 2, s.Expected)

	// A retry keeps waiting on the same request.
	tr.push(kvmi.EventPauseVCPU, 0)
	tr.push(kvmi.EventPauseVCPU, 1)
	require.NoError(t, d.PauseTimeout(time.Second))
	require.Equal(t, []int{2}, tr.pauseRequests())
}

func TestResumeAbandonsTimedOutPause(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 3)
	ackAll(tr, 1)

	require.ErrorIs(t, d.PauseTimeout(50*time.Millisecond), driver.ErrTimeout)
	require.Equal(t, []uint16{1}, d.Status().Queued)

	require.NoError(t, d.Resume())
	require.Equal(t, []reply{{VCPU: 1, Seq: 1, Decision: kvmi.Continue}}, tr.sentReplies())
	require.Equal(t, driver.Running, d.Status().State)
}

func TestUnknownEventIsDropped(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 2)

	tr.setOnPause(func(int) {
		tr.push(kvmi.EventKind(kvmi.NumEventKinds+3), 0)
		tr.push(kvmi.EventPauseVCPU, 1)
	})

	err := d.PauseTimeout(100 * time.Millisecond)
	require.ErrorIs(t, err, driver.ErrTimeout)

	s := d.Status()
	require.Equal(t, 1, s.Expected, "unknown event must not count as an acknowledgment")
	require.Equal(t, []uint16{1}, s.Queued)
	require.Empty(t, tr.sentReplies())

	tr.push(kvmi.EventKind(200), 0)

	err = d.ProcessNextEvent(time.Second)
	require.ErrorIs(t, err, driver.ErrProtocol)
	require.ErrorIs(t, err, kvmi.ErrUnknownEvent)
	require.Equal(t, s, d.Status())
}

func TestMalformedEventIsDropped(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 2)

	tr.pushBad()
	tr.push(kvmi.EventCR, 1)

	err := d.ProcessNextEvent(time.Second)
	require.ErrorIs(t, err, driver.ErrProtocol)
	require.ErrorIs(t, err, kvmi.ErrMalformed)
	require.Empty(t, tr.sentReplies())

	require.NoError(t, d.ProcessNextEvent(time.Second))
	require.Equal(t, []reply{{VCPU: 1, Seq: 1, Decision: kvmi.Continue}}, tr.sentReplies())

	tr.setOnPause(func(int) {
		tr.pushBad()
		tr.push(kvmi.EventPauseVCPU, 0)
		tr.push(kvmi.EventPauseVCPU, 1)
	})

	require.NoError(t, d.PauseTimeout(5*time.Second))
	require.Equal(t, driver.Paused, d.Status().State)
}

func TestDuplicateAckIsProtocolError(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 2)

	tr.push(kvmi.EventPauseVCPU, 1)
	tr.push(kvmi.EventPauseVCPU, 1)

	require.NoError(t, d.ProcessNextEvent(time.Second))

	err := d.ProcessNextEvent(time.Second)
	require.ErrorIs(t, err, driver.ErrProtocol)
	require.ErrorIs(t, err, driver.ErrDuplicateAck)
	require.Equal(t, []uint16{1}, d.Status().Queued)
}

func TestResumeWhileRunningIsUsageError(t *testing.T) {
	t.Parallel()

	d, _ := attach(t, 1)

	err := d.Resume()
	require.ErrorIs(t, err, driver.ErrUsage)
	require.ErrorIs(t, err, driver.ErrNotPaused)
}

func TestResumeReplyFailureKeepsQueue(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 3)
	ackAll(tr, 0, 1, 2)

	require.NoError(t, d.Pause())

	tr.failRepliesAfter(1)

	err := d.Resume()
	require.ErrorIs(t, err, driver.ErrChannel)

	s := d.Status()
	require.Equal(t, driver.Paused, s.State)
	require.Equal(t, []uint16{1, 2}, s.Queued)
	require.Len(t, tr.sentReplies(), 1)
}

func TestSingleStep(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 2)

	require.NoError(t, d.SetSingleStep(1, true))
	require.Equal(t, []step{{VCPU: 1, Enable: true}}, tr.sentSteps())
	require.Equal(t, []int{1}, d.Status().SingleStep)

	tr.push(kvmi.EventSingleStep, 1)
	require.NoError(t, d.ProcessNextEvent(time.Second))

	require.NoError(t, d.SetSingleStep(1, false))
	require.Empty(t, d.Status().SingleStep)

	tr.push(kvmi.EventSingleStep, 1)
	require.NoError(t, d.ProcessNextEvent(time.Second))

	replies := tr.sentReplies()
	require.Len(t, replies, 2)
	require.Equal(t, kvmi.EnableSingleStep, replies[0].Decision)
	require.Equal(t, kvmi.DisableSingleStep, replies[1].Decision)
}

func TestSingleStepOutOfRange(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 2)

	for _, vcpu := range []int{2, -1, 1000} {
		err := d.SetSingleStep(vcpu, true)
		require.ErrorIs(t, err, driver.ErrUsage)
		require.ErrorIs(t, err, driver.ErrVCPURange)

		require.ErrorIs(t, d.SetSingleStep(vcpu, false), driver.ErrVCPURange)
	}

	require.Empty(t, tr.sentSteps())
	require.Empty(t, d.Status().SingleStep)
}

func TestCreateVCPUGrowsState(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 2)

	tr.push(kvmi.EventCreateVCPU, 2)
	require.NoError(t, d.ProcessNextEvent(time.Second))
	require.Equal(t, 3, d.VCPUs())

	require.NoError(t, d.SetSingleStep(2, true))

	ackAll(tr, 0, 1, 2)
	require.NoError(t, d.Pause())
	require.Equal(t, []int{3}, tr.pauseRequests())
}

func TestUnhookStopsProcessing(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 1)

	tr.push(kvmi.EventUnhook, 0)

	err := d.ProcessNextEvent(time.Second)
	require.ErrorIs(t, err, driver.ErrChannel)
	require.ErrorIs(t, err, driver.ErrUnhooked)
	require.Equal(t, kvmi.Continue, tr.sentReplies()[0].Decision)
	require.True(t, d.Status().Unhooked)

	require.ErrorIs(t, d.ProcessNextEvent(0), driver.ErrUnhooked)
}

func TestCallbacks(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 2)

	var (
		mu   sync.Mutex
		seen []kvmi.EventKind
	)

	record := func(ev *kvmi.Event) {
		mu.Lock()
		seen = append(seen, ev.Kind)
		mu.Unlock()
	}

	require.NoError(t, d.RegisterCallback(kvmi.EventCR, record))
	require.NoError(t, d.RegisterCallback(kvmi.EventPF, record))
	require.ErrorIs(t, d.RegisterCallback(kvmi.EventKind(99), record), driver.ErrUsage)

	tr.push(kvmi.EventCR, 0)
	tr.push(kvmi.EventMSR, 1)
	tr.push(kvmi.EventPF, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.ProcessNextEvent(time.Second))
	}

	require.NoError(t, d.RegisterCallback(kvmi.EventCR, nil))
	tr.push(kvmi.EventCR, 0)
	require.NoError(t, d.ProcessNextEvent(time.Second))

	mu.Lock()
	require.Equal(t, []kvmi.EventKind{kvmi.EventCR, kvmi.EventPF}, seen)
	mu.Unlock()

	for _, r := range tr.sentReplies() {
		require.Equal(t, kvmi.Continue, r.Decision)
	}
}

func TestProcessNextEventPoll(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 1)

	require.NoError(t, d.ProcessNextEvent(0))
	require.Empty(t, tr.sentReplies())
}

func TestChannelFailure(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 1)

	tr.Close()

	err := d.ProcessNextEvent(time.Second)
	require.ErrorIs(t, err, driver.ErrChannel)
	require.True(t, errors.Is(err, errBroken))
}

func TestDomainSuspend(t *testing.T) {
	t.Parallel()

	dom := &domain{}
	tr := newTransport(1)
	dial := func(driver.Domain) (driver.Transport, error) { return tr, nil }

	d, err := driver.Attach(&conn{dom: dom}, "guest", dial, driver.WithLogger(quietLogger()), driver.WithDomainSuspend(true))
	require.NoError(t, err)

	defer d.Detach()

	ackAll(tr, 0)
	require.NoError(t, d.Pause())
	require.NoError(t, d.Resume())
	require.Equal(t, 1, dom.suspends)
	require.Equal(t, 1, dom.resumes)
}

func TestAttachReleasesOnFailure(t *testing.T) {
	t.Parallel()

	c := &conn{dom: &domain{}, missing: true}
	_, err := driver.Attach(c, "guest", nil, driver.WithLogger(quietLogger()))
	require.ErrorIs(t, err, driver.ErrConnection)
	require.True(t, c.closed)

	c = &conn{dom: &domain{}}
	_, err = driver.Attach(c, "guest", func(driver.Domain) (driver.Transport, error) { return nil, errBroken })
	require.ErrorIs(t, err, driver.ErrChannel)
	require.True(t, c.closed)

	c = &conn{dom: &domain{}}
	tr := newTransport(-1)
	_, err = driver.Attach(c, "guest", func(driver.Domain) (driver.Transport, error) { return tr, nil })
	require.ErrorIs(t, err, driver.ErrChannel)
	require.True(t, tr.isClosed())
	require.True(t, c.closed)
}

func TestDetach(t *testing.T) {
	t.Parallel()

	c := &conn{dom: &domain{}}
	tr := newTransport(2)

	d, err := driver.Attach(c, "guest", func(driver.Domain) (driver.Transport, error) { return tr, nil },
		driver.WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, d.Detach())
	require.True(t, tr.isClosed())
	require.True(t, c.closed)

	require.ErrorIs(t, d.Detach(), driver.ErrDetached)
	require.ErrorIs(t, d.Pause(), driver.ErrUsage)
	require.ErrorIs(t, d.SetSingleStep(0, true), driver.ErrDetached)
}

func TestDetachFailsPauseInFlight(t *testing.T) {
	t.Parallel()

	c := &conn{dom: &domain{}}
	tr := newTransport(2)

	d, err := driver.Attach(c, "guest", func(driver.Domain) (driver.Transport, error) { return tr, nil },
		driver.WithLogger(quietLogger()))
	require.NoError(t, err)

	requested := make(chan struct{})
	tr.setOnPause(func(int) { close(requested) })

	result := make(chan error, 1)

	go func() { result <- d.Pause() }()

	<-requested
	require.NoError(t, d.Detach())

	select {
	case err := <-result:
		require.ErrorIs(t, err, driver.ErrChannel)
	case <-time.After(5 * time.Second):
		t.Fatal("pause did not return after detach")
	}
}

func TestDispatchUnknownKind(t *testing.T) {
	t.Parallel()

	d, tr := attach(t, 2)
	ackAll(tr, 0)

	require.ErrorIs(t, d.PauseTimeout(20*time.Millisecond), driver.ErrTimeout)

	before := d.Status()

	_, err := d.Dispatch(&kvmi.Event{Kind: kvmi.EventKind(kvmi.NumEventKinds), VCPU: 1})
	require.ErrorIs(t, err, driver.ErrProtocol)
	require.Equal(t, driver.KindProtocol, driver.KindOf(err))
	require.Equal(t, before, d.Status())
	require.Equal(t, 1, before.Expected)
}
