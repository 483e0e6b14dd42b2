package driver

import (
	"fmt"

	"github.com/govmi/govmi/kvmi"
)

// Handler decides what a vCPU does after one event.
type Handler interface {
	Handle(d *Driver, ev *kvmi.Event) (kvmi.Decision, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(d *Driver, ev *kvmi.Event) (kvmi.Decision, error)

func (f HandlerFunc) Handle(d *Driver, ev *kvmi.Event) (kvmi.Decision, error) { return f(d, ev) }

// Callback observes an event before the vCPU continues. It can not change
// the decision.
type Callback func(ev *kvmi.Event)

// handlers is shared by every Driver and never modified after init.
var handlers = buildHandlers()

func buildHandlers() [kvmi.NumEventKinds]Handler {
	var t [kvmi.NumEventKinds]Handler

	t[kvmi.EventUnhook] = HandlerFunc(handleUnhook)
	t[kvmi.EventCreateVCPU] = HandlerFunc(handleCreateVCPU)
	t[kvmi.EventPauseVCPU] = HandlerFunc(handlePauseVCPU)
	t[kvmi.EventSingleStep] = HandlerFunc(handleSingleStep)

	for _, k := range []kvmi.EventKind{
		kvmi.EventCR,
		kvmi.EventMSR,
		kvmi.EventXSetBV,
		kvmi.EventBreakpoint,
		kvmi.EventHypercall,
		kvmi.EventPF,
		kvmi.EventTrap,
		kvmi.EventDescriptor,
	} {
		t[k] = HandlerFunc(handleObserved)
	}

	for k, h := range t {
		if h == nil {
			panic(fmt.Sprintf("driver: no handler for %v", kvmi.EventKind(k)))
		}
	}

	return t
}

// Dispatch runs the handler for ev's kind and returns its decision. It does
// not reply. An event of unknown kind is a protocol error and leaves the
// driver untouched.
func (d *Driver) Dispatch(ev *kvmi.Event) (kvmi.Decision, error) {
	if !ev.Kind.Valid() {
		return kvmi.Continue, newError(KindProtocol, "dispatch", fmt.Errorf("%w: %v", kvmi.ErrUnknownEvent, ev.Kind))
	}

	d.metrics.event(ev.Kind)

	dec, err := handlers[ev.Kind].Handle(d, ev)
	if err != nil {
		return dec, newError(KindProtocol, "dispatch "+ev.Kind.String(), err)
	}

	return dec, nil
}

func handlePauseVCPU(d *Driver, ev *kvmi.Event) (kvmi.Decision, error) {
	if err := d.barrier.signalDecrement(ev); err != nil {
		return kvmi.RemainPaused, err
	}

	d.metrics.setQueued(len(d.barrier.status().queued))
	d.callback(ev)

	return kvmi.RemainPaused, nil
}

func handleSingleStep(d *Driver, ev *kvmi.Event) (kvmi.Decision, error) {
	on, err := d.sstep.isEnabled(int(ev.VCPU))
	if err != nil {
		return kvmi.DisableSingleStep, err
	}

	d.callback(ev)

	if on {
		return kvmi.EnableSingleStep, nil
	}

	return kvmi.DisableSingleStep, nil
}

func handleCreateVCPU(d *Driver, ev *kvmi.Event) (kvmi.Decision, error) {
	n := int(ev.VCPU) + 1

	d.barrier.grow(n)
	d.sstep.grow(n)
	d.callback(ev)

	return kvmi.Continue, nil
}

func handleUnhook(d *Driver, ev *kvmi.Event) (kvmi.Decision, error) {
	d.unhooked.Store(true)
	d.callback(ev)

	return kvmi.Continue, nil
}

func handleObserved(d *Driver, ev *kvmi.Event) (kvmi.Decision, error) {
	d.callback(ev)

	return kvmi.Continue, nil
}
