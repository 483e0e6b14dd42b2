package kvmi

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// Forever makes Pop block until an event arrives or the channel fails.
const Forever time.Duration = -1

const (
	eventQueueLen  = 64
	requestTimeout = 5 * time.Second
)

// Client is an introspection session for one domain. Events are read by a
// background goroutine and handed out by Pop; every other method writes one
// message. After the first channel error every call returns that error.
type Client struct {
	conn   net.Conn
	domain string

	wmu    sync.Mutex
	sender *Sender

	reqMu  sync.Mutex
	counts chan uint32

	events   chan popped
	done     chan struct{}
	doneOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects to the introspection socket at path and opens a session for
// domain. Connecting is retried with exponential backoff for up to timeout.
func Dial(path, domain string, timeout time.Duration) (*Client, error) {
	var conn net.Conn

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	op := func() error {
		c, err := net.DialTimeout("unix", path, timeout)
		if err != nil {
			return err
		}

		conn = c

		return nil
	}

	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()

		return nil, err
	}

	c, err := NewClient(conn, domain)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()

		return nil, err
	}

	return c, nil
}

// NewClient performs the handshake for domain over conn and starts reading
// events. The client owns conn from here on.
func NewClient(conn net.Conn, domain string) (*Client, error) {
	c := &Client{
		conn:   conn,
		domain: domain,
		sender: NewSender(conn),
		counts: make(chan uint32, 1),
		events: make(chan popped, eventQueueLen),
		done:   make(chan struct{}),
	}

	recv := NewReceiver(conn)

	if err := c.sender.SendHello(domain); err != nil {
		conn.Close()

		return nil, fmt.Errorf("hello: %w", err)
	}

	t, payload, err := recv.Next()
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("hello: %w", err)
	}

	if t != MsgHelloAck {
		conn.Close()

		return nil, fmt.Errorf("%w: got message type %d", ErrHandshake, t)
	}

	status, err := DecodeU32(payload)
	if err != nil {
		conn.Close()

		return nil, err
	}

	if status != 0 {
		conn.Close()

		return nil, fmt.Errorf("%w: domain %q rejected with status %d", ErrHandshake, domain, status)
	}

	go c.readLoop(recv)

	return c, nil
}

// popped is one event frame: the decoded event, or why it could not be
// decoded.
type popped struct {
	ev  *Event
	err error
}

// Domain returns the name the session was opened for.
func (c *Client) Domain() string { return c.domain }

func (c *Client) readLoop(recv *Receiver) {
	for {
		t, payload, err := recv.Next()
		if err != nil {
			c.fail(err)

			return
		}

		switch t {
		case MsgEvent:
			ev, err := DecodeEvent(payload)
			if err != nil {
				err = fmt.Errorf("%w: %w", ErrBadEvent, err)
			}

			select {
			case c.events <- popped{ev: ev, err: err}:
			case <-c.done:
				return
			}
		case MsgVCPUCount:
			n, err := DecodeU32(payload)
			if err != nil {
				c.fail(err)

				return
			}

			select {
			case c.counts <- n:
			default:
				c.fail(fmt.Errorf("%w: unsolicited vcpu count", ErrMalformed))

				return
			}
		default:
			c.fail(fmt.Errorf("%w: unexpected message type %d", ErrMalformed, t))

			return
		}
	}
}

// fail records the first error, wakes every waiter and drops the connection.
func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	c.conn.Close()
}

// Err returns the error that broke the channel, or nil.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.err
}

// Pop returns the next event. A zero timeout polls, Forever blocks.
// ErrNoEvent is returned when nothing arrived in time. An event frame that
// does not decode is returned as an error wrapping ErrBadEvent and the
// session stays usable. Events received before the channel broke are still
// handed out before its error.
func (c *Client) Pop(timeout time.Duration) (*Event, error) {
	select {
	case p := <-c.events:
		return p.ev, p.err
	default:
	}

	if timeout == 0 {
		if err := c.Err(); err != nil {
			return nil, err
		}

		return nil, ErrNoEvent
	}

	var expired <-chan time.Time

	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()

		expired = t.C
	}

	select {
	case p := <-c.events:
		return p.ev, p.err
	case <-c.done:
		select {
		case p := <-c.events:
			return p.ev, p.err
		default:
		}

		return nil, c.Err()
	case <-expired:
		return nil, ErrNoEvent
	}
}

func (c *Client) write(f func(s *Sender) error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.Err(); err != nil {
		return err
	}

	if err := f(c.sender); err != nil {
		c.fail(err)

		return err
	}

	return nil
}

// Reply sends the decision for ev.
func (c *Client) Reply(ev *Event, d Decision) error {
	if d == RemainPaused {
		return nil
	}

	return c.write(func(s *Sender) error { return s.SendReply(ev, d) })
}

// ControlSingleStep arms or disarms single-stepping on vcpu.
func (c *Client) ControlSingleStep(vcpu uint16, enable bool) error {
	return c.write(func(s *Sender) error { return s.SendSingleStep(vcpu, enable) })
}

// PauseVCPUs asks the hypervisor to pause count vCPUs. Each of them
// acknowledges with an EventPauseVCPU.
func (c *Client) PauseVCPUs(count int) error {
	return c.write(func(s *Sender) error { return s.SendPauseVCPUs(count) })
}

// VCPUCount asks the hypervisor for the number of vCPUs of the domain.
func (c *Client) VCPUCount() (int, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// Drop an answer that came in after an earlier request gave up.
	select {
	case <-c.counts:
	default:
	}

	if err := c.write(func(s *Sender) error { return s.SendVCPUCountReq() }); err != nil {
		return 0, err
	}

	t := time.NewTimer(requestTimeout)
	defer t.Stop()

	select {
	case n := <-c.counts:
		return int(n), nil
	case <-c.done:
		return 0, c.Err()
	case <-t.C:
		return 0, fmt.Errorf("vcpu count: %w", errRequestTimeout)
	}
}

// Close ends the session. It is safe to call more than once.
func (c *Client) Close() error {
	c.fail(ErrClosed)

	return nil
}
