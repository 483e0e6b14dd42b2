// Package driver turns the per-vCPU event stream of a KVM introspection
// channel into synchronous operations on the whole VM: pause until every
// vCPU is parked, resume, and single-step.
//
// One goroutine at a time pumps the channel. Usually that is an event loop
// calling ProcessNextEvent; when none is running, Pause pumps the channel
// itself until the pause completes.
package driver

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/govmi/govmi/kvmi"
	"github.com/sirupsen/logrus"
)

// Transport is the introspection channel of one domain.
type Transport interface {
	// Pop returns the next event. A zero timeout polls and kvmi.Forever
	// blocks; kvmi.ErrNoEvent means nothing arrived in time and
	// kvmi.ErrBadEvent that one event could not be decoded.
	Pop(timeout time.Duration) (*kvmi.Event, error)
	// Reply answers ev. kvmi.RemainPaused sends nothing.
	Reply(ev *kvmi.Event, d kvmi.Decision) error
	ControlSingleStep(vcpu uint16, enable bool) error
	// PauseVCPUs asks the hypervisor to park count vCPUs. Each parked vCPU
	// is reported with a kvmi.EventPauseVCPU.
	PauseVCPUs(count int) error
	VCPUCount() (int, error)
	Close() error
}

// Domain is a VM as seen by the management layer.
type Domain interface {
	Name() string
	ID() uint32
	Suspend() error
	Resume() error
}

// Conn is a management layer connection.
type Conn interface {
	Lookup(ident string) (Domain, error)
	Close() error
}

// Dialer opens the introspection channel of dom.
type Dialer func(dom Domain) (Transport, error)

// Driver is attached to one VM.
type Driver struct {
	conn      Conn
	dom       Domain
	transport Transport

	log           *logrus.Entry
	metrics       *Metrics
	suspendDomain bool

	// pump is held by whoever is reading the channel.
	pump    sync.Mutex
	barrier *barrier
	sstep   *stepState

	cbMu      sync.RWMutex
	callbacks [kvmi.NumEventKinds]Callback

	unhooked atomic.Bool
	closed   atomic.Bool
}

// Option configures a Driver at attach time.
type Option func(*Driver)

// WithLogger sets the logger. The domain name and ID are added to it.
func WithLogger(l *logrus.Entry) Option {
	return func(d *Driver) { d.log = l }
}

// WithMetrics makes the driver update m.
func WithMetrics(m *Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithDomainSuspend makes Pause also suspend the domain through the
// management layer, and Resume resume it.
func WithDomainSuspend(on bool) Option {
	return func(d *Driver) { d.suspendDomain = on }
}

// Attach looks up the domain ident on conn and opens its introspection
// channel with dial. The Driver owns conn from then on; it is closed when
// Attach fails or on Detach.
func Attach(conn Conn, ident string, dial Dialer, opts ...Option) (*Driver, error) {
	const op = "attach"

	dom, err := conn.Lookup(ident)
	if err != nil {
		conn.Close()

		return nil, newError(KindConnection, op, err)
	}

	t, err := dial(dom)
	if err != nil {
		conn.Close()

		return nil, newError(KindChannel, op, err)
	}

	n, err := t.VCPUCount()
	if err != nil {
		t.Close()
		conn.Close()

		return nil, newError(KindChannel, op, err)
	}

	d := &Driver{
		conn:      conn,
		dom:       dom,
		transport: t,
		log:       logrus.NewEntry(logrus.StandardLogger()),
		barrier:   newBarrier(n),
		sstep:     newStepState(n),
	}

	for _, o := range opts {
		o(d)
	}

	d.log = d.log.WithFields(logrus.Fields{"domain": dom.Name(), "id": dom.ID()})
	d.log.WithField("vcpus", n).Info("attached")

	return d, nil
}

// Detach closes the introspection channel and then the management
// connection. A pause in flight fails with a channel error.
func (d *Driver) Detach() error {
	if !d.closed.CompareAndSwap(false, true) {
		return newError(KindUsage, "detach", ErrDetached)
	}

	d.barrier.close()

	err := d.transport.Close()
	if cerr := d.conn.Close(); err == nil {
		err = cerr
	}

	d.log.Info("detached")

	if err != nil {
		return newError(KindConnection, "detach", err)
	}

	return nil
}

// Domain returns the attached domain.
func (d *Driver) Domain() Domain { return d.dom }

// VCPUs returns the number of vCPUs the driver knows about.
func (d *Driver) VCPUs() int { return d.barrier.status().vcpus }

// RegisterCallback sets the function called for every event of kind k, or
// removes it when fn is nil. Callbacks run on the pumping goroutine and
// must not call back into the Driver.
func (d *Driver) RegisterCallback(k kvmi.EventKind, fn Callback) error {
	if !k.Valid() {
		return newError(KindUsage, "register callback", kvmi.ErrUnknownEvent)
	}

	d.cbMu.Lock()
	d.callbacks[k] = fn
	d.cbMu.Unlock()

	return nil
}

func (d *Driver) callback(ev *kvmi.Event) {
	d.cbMu.RLock()
	fn := d.callbacks[ev.Kind]
	d.cbMu.RUnlock()

	if fn != nil {
		fn(ev)
	}
}

// ProcessNextEvent waits up to timeout for one event, dispatches it and
// replies. It returns nil when no event arrived. A protocol error drops the
// event at hand and the caller may go on; any other error means the channel
// is gone and the driver must be detached.
func (d *Driver) ProcessNextEvent(timeout time.Duration) error {
	if d.closed.Load() {
		return newError(KindUsage, "process event", ErrDetached)
	}

	d.pump.Lock()
	defer d.releasePump()

	return d.processOne(timeout)
}

// releasePump lets a waiting Pause take over the channel.
func (d *Driver) releasePump() {
	d.pump.Unlock()
	d.barrier.kick()
}

// processOne must be called with d.pump held.
func (d *Driver) processOne(timeout time.Duration) error {
	const op = "process event"

	if d.unhooked.Load() {
		return newError(KindChannel, op, ErrUnhooked)
	}

	ev, err := d.transport.Pop(timeout)

	switch {
	case errors.Is(err, kvmi.ErrNoEvent):
		return nil
	case errors.Is(err, kvmi.ErrBadEvent):
		d.metrics.protocolError()
		d.log.WithError(err).Warn("dropping malformed event")

		return newError(KindProtocol, op, err)
	case err != nil:
		return newError(KindChannel, op, err)
	}

	dec, err := d.Dispatch(ev)
	if err != nil {
		d.metrics.protocolError()
		d.log.WithError(err).WithField("vcpu", ev.VCPU).Warn("dropping event")

		return err
	}

	if d.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		d.log.WithFields(logrus.Fields{"event": ev.String(), "decision": dec}).Debug("dispatched")
	}

	if dec != kvmi.RemainPaused {
		if err := d.transport.Reply(ev, dec); err != nil {
			return newError(KindChannel, op, err)
		}
	}

	d.metrics.reply(dec)

	if d.unhooked.Load() {
		d.log.Warn("introspection unhooked")

		return newError(KindChannel, op, ErrUnhooked)
	}

	return nil
}

// SetSingleStep arms or disarms stepping on vcpu. Arming takes effect
// through the channel at once; disarming takes effect at the next step
// event of that vCPU.
func (d *Driver) SetSingleStep(vcpu int, on bool) error {
	const op = "single-step"

	if d.closed.Load() {
		return newError(KindUsage, op, ErrDetached)
	}

	if !on {
		if err := d.sstep.disable(vcpu); err != nil {
			return newError(KindUsage, op, err)
		}

		return nil
	}

	was, err := d.sstep.isEnabled(vcpu)
	if err != nil {
		return newError(KindUsage, op, err)
	}

	if err := d.sstep.enable(vcpu); err != nil {
		return newError(KindUsage, op, err)
	}

	if err := d.transport.ControlSingleStep(uint16(vcpu), true); err != nil {
		_ = d.sstep.set(vcpu, was)

		return newError(KindChannel, op, err)
	}

	return nil
}

// Status is a snapshot of a Driver.
type Status struct {
	Domain     string
	ID         uint32
	State      State
	VCPUs      int
	Expected   int
	Queued     []uint16
	SingleStep []int
	Unhooked   bool
}

// Status returns a snapshot of the driver state.
func (d *Driver) Status() Status {
	b := d.barrier.status()

	return Status{
		Domain:     d.dom.Name(),
		ID:         d.dom.ID(),
		State:      b.state,
		VCPUs:      b.vcpus,
		Expected:   b.expected,
		Queued:     b.queued,
		SingleStep: d.sstep.snapshot(),
		Unhooked:   d.unhooked.Load(),
	}
}
