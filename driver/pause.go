package driver

import (
	"fmt"
	"time"

	"github.com/govmi/govmi/kvmi"
)

// pumpSlice bounds how long Pause holds the channel at a time, so that an
// event loop started meanwhile can take over.
const pumpSlice = 50 * time.Millisecond

// Pause parks every vCPU and returns once all of them have acknowledged.
// It fails with a usage error when another pause or resume is in flight or
// the VM is already paused.
func (d *Driver) Pause() error {
	return d.pause(time.Time{})
}

// PauseTimeout is Pause bounded by timeout. On expiry the pause stays
// requested; calling it again keeps waiting without a new request, and
// Resume abandons it.
func (d *Driver) PauseTimeout(timeout time.Duration) error {
	return d.pause(time.Now().Add(timeout))
}

func (d *Driver) pause(deadline time.Time) error {
	const op = "pause"

	if d.closed.Load() {
		return newError(KindUsage, op, ErrDetached)
	}

	n, err := d.barrier.beginPause()
	if err != nil {
		return newError(KindUsage, op, err)
	}

	if n > 0 {
		if err := d.requestPause(n); err != nil {
			d.barrier.cancelPause()

			return err
		}

		d.log.WithField("vcpus", n).Info("pause requested")
	}

	for !d.barrier.done() {
		if d.closed.Load() {
			d.barrier.abortPause()

			return newError(KindChannel, op, ErrDetached)
		}

		if expired(deadline) {
			return d.pauseExpired()
		}

		seen := d.barrier.kickCount()

		if d.pump.TryLock() {
			err := d.processOne(sliceUntil(deadline))
			d.releasePump()

			if err != nil && KindOf(err) != KindProtocol {
				d.barrier.abortPause()

				return err
			}

			continue
		}

		if d.barrier.waitUntilZero(deadline, seen) == waitExpired {
			return d.pauseExpired()
		}
	}

	took := d.barrier.finishPause()
	d.metrics.paused(took)
	d.log.WithField("took", took).Info("paused")

	return nil
}

func (d *Driver) requestPause(n int) error {
	if err := d.transport.PauseVCPUs(n); err != nil {
		return newError(KindChannel, "pause", err)
	}

	if d.suspendDomain {
		if err := d.dom.Suspend(); err != nil {
			return newError(KindConnection, "pause", err)
		}
	}

	return nil
}

func (d *Driver) pauseExpired() error {
	d.barrier.abortPause()
	d.metrics.pauseTimeout()

	left := d.barrier.status().expected
	d.log.WithField("waiting", left).Warn("pause timed out")

	return newError(KindTimeout, "pause", fmt.Errorf("%d vcpus not parked", left))
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

func sliceUntil(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return pumpSlice
	}

	left := time.Until(deadline)

	switch {
	case left < 0:
		return 0
	case left < pumpSlice:
		return left
	}

	return pumpSlice
}

// Resume answers every queued pause acknowledgment with a continue reply,
// in arrival order, and marks the VM running. It is also the way to abandon
// a pause that timed out. If a reply fails the unanswered acknowledgments
// stay queued and the state is unchanged.
func (d *Driver) Resume() error {
	const op = "resume"

	if d.closed.Load() {
		return newError(KindUsage, op, ErrDetached)
	}

	queued, err := d.barrier.beginResume()
	if err != nil {
		return newError(KindUsage, op, err)
	}

	for i, ev := range queued {
		if err := d.transport.Reply(ev, kvmi.Continue); err != nil {
			d.barrier.released(i)
			d.barrier.endResume(false)

			return newError(KindChannel, op, err)
		}

		d.metrics.reply(kvmi.Continue)
	}

	d.barrier.released(len(queued))
	d.barrier.endResume(true)
	d.metrics.setQueued(len(d.barrier.status().queued))

	if d.suspendDomain {
		if err := d.dom.Resume(); err != nil {
			return newError(KindConnection, op, err)
		}
	}

	d.log.WithField("vcpus", len(queued)).Info("resumed")

	return nil
}
