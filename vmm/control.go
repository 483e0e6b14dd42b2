package vmm

// control.go: the control socket of a running session.
//
// Commands are one line each; the reply is one line starting with OK or
// ERROR:
//
//	PAUSE [timeout]       pause every vCPU, optionally bounded (e.g. 500ms)
//	RESUME                resume the VM
//	SSTEP <vcpu> on|off   arm or disarm single-stepping
//	STATUS                print the driver state

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/govmi/govmi/driver"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	maxCommandLen = 256
	replyTimeout  = 30 * time.Second
)

var (
	// ErrRemote is returned by Send when the session answered ERROR.
	ErrRemote = errors.New("session error")

	errUnknownCommand = errors.New("unknown command")
	errBadArgs        = errors.New("bad arguments")
	errPeerDenied     = errors.New("peer not allowed")
)

// Controller is the part of a Driver the control socket drives.
type Controller interface {
	Pause() error
	PauseTimeout(timeout time.Duration) error
	Resume() error
	SetSingleStep(vcpu int, on bool) error
	Status() driver.Status
}

// Control serves control commands for one Controller.
type Control struct {
	c   Controller
	log *logrus.Entry
}

// NewControl returns a Control for c.
func NewControl(c Controller, log *logrus.Entry) *Control {
	return &Control{c: c, log: log}
}

// Listen creates the control socket at path, replacing a stale one.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("control socket: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}

	return l, nil
}

// Serve accepts connections on l until ctx is done.
func (c *Control) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("control socket: %w", err)
		}

		go c.handle(conn)
	}
}

func (c *Control) handle(conn net.Conn) {
	defer conn.Close()

	if err := checkPeer(conn); err != nil {
		c.log.WithError(err).Warn("control connection refused")
		_, _ = conn.Write([]byte("ERROR " + err.Error() + "\n"))

		return
	}

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, maxCommandLen), maxCommandLen)

	if !sc.Scan() {
		return
	}

	_, _ = conn.Write([]byte(c.Exec(sc.Text()) + "\n"))
}

// checkPeer only lets root and the session's own user in.
func checkPeer(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return err
	}

	var (
		cred    *unix.Ucred
		credErr error
	)

	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return err
	}

	if credErr != nil {
		return credErr
	}

	if cred.Uid != 0 && int(cred.Uid) != os.Getuid() {
		return fmt.Errorf("%w: uid %d", errPeerDenied, cred.Uid)
	}

	return nil
}

// Exec runs one command line and returns the reply line.
func (c *Control) Exec(line string) string {
	reply, err := c.exec(strings.Fields(line))
	if err != nil {
		c.log.WithError(err).WithField("command", line).Warn("control command failed")

		return "ERROR " + err.Error()
	}

	c.log.WithField("command", line).Debug("control command")

	if reply == "" {
		return "OK"
	}

	return "OK " + reply
}

func (c *Control) exec(args []string) (string, error) {
	if len(args) == 0 {
		return "", errUnknownCommand
	}

	switch strings.ToUpper(args[0]) {
	case "PAUSE":
		switch len(args) {
		case 1:
			return "", c.c.Pause()
		case 2:
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return "", fmt.Errorf("%w: %v", errBadArgs, err)
			}

			return "", c.c.PauseTimeout(d)
		}
	case "RESUME":
		if len(args) == 1 {
			return "", c.c.Resume()
		}
	case "SSTEP":
		if len(args) != 3 {
			break
		}

		vcpu, err := strconv.Atoi(args[1])
		if err != nil {
			return "", fmt.Errorf("%w: vcpu %q", errBadArgs, args[1])
		}

		switch strings.ToLower(args[2]) {
		case "on":
			return "", c.c.SetSingleStep(vcpu, true)
		case "off":
			return "", c.c.SetSingleStep(vcpu, false)
		}
	case "STATUS":
		if len(args) == 1 {
			return FormatStatus(c.c.Status()), nil
		}
	default:
		return "", fmt.Errorf("%w: %q", errUnknownCommand, args[0])
	}

	return "", fmt.Errorf("%w: %s", errBadArgs, strings.Join(args, " "))
}

// FormatStatus renders s as space separated key=value pairs.
func FormatStatus(s driver.Status) string {
	return fmt.Sprintf("domain=%s id=%d state=%s vcpus=%d expected=%d queued=%s sstep=%s unhooked=%t",
		s.Domain, s.ID, s.State, s.VCPUs, s.Expected, joinInts(s.Queued), joinInts(s.SingleStep), s.Unhooked)
}

func joinInts[T uint16 | int](v []T) string {
	if len(v) == 0 {
		return "-"
	}

	s := make([]string, len(v))
	for i, x := range v {
		s[i] = strconv.Itoa(int(x))
	}

	return strings.Join(s, ",")
}

// Send writes one command to the control socket at path and returns the
// text after OK.
func Send(path, line string) (string, error) {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return "", fmt.Errorf("control socket: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(replyTimeout)); err != nil {
		return "", err
	}

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", fmt.Errorf("control socket: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("control socket: %w", err)
	}

	reply = strings.TrimSpace(reply)

	switch {
	case reply == "OK":
		return "", nil
	case strings.HasPrefix(reply, "OK "):
		return strings.TrimPrefix(reply, "OK "), nil
	}

	return "", fmt.Errorf("%w: %s", ErrRemote, strings.TrimPrefix(reply, "ERROR "))
}
