// Package vmm runs an introspection session: it attaches the driver to a
// domain, pumps its events and serves the control socket and metrics until
// it is told to stop.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/govmi/govmi/driver"
	"github.com/govmi/govmi/kvmi"
	"github.com/govmi/govmi/virt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const shutdownTimeout = 5 * time.Second

type VMM struct {
	Config

	d     *driver.Driver
	log   *logrus.Entry
	reg   *prometheus.Registry
	steps atomic.Uint64
}

func New(c Config) *VMM {
	return &VMM{
		Config: c.withDefaults(),
		log:    logrus.WithField("domain", c.Domain),
		reg:    prometheus.NewRegistry(),
	}
}

// libvirtConn makes a virt.Conn a driver.Conn.
type libvirtConn struct {
	*virt.Conn
}

func (c libvirtConn) Lookup(ident string) (driver.Domain, error) {
	dom, err := c.Conn.Lookup(ident)
	if err != nil {
		return nil, err
	}

	return dom, nil
}

// Init connects to libvirtd and attaches the driver to the domain.
func (v *VMM) Init() error {
	c, err := virt.Connect(v.LibvirtSocket, v.DialTimeout)
	if err != nil {
		return err
	}

	dial := func(dom driver.Domain) (driver.Transport, error) {
		return kvmi.Dial(v.IntrospectSocket, dom.Name(), v.DialTimeout)
	}

	return v.Attach(libvirtConn{c}, dial)
}

// Attach attaches the driver through conn and dial.
func (v *VMM) Attach(conn driver.Conn, dial driver.Dialer) error {
	d, err := driver.Attach(conn, v.Domain, dial,
		driver.WithLogger(v.log),
		driver.WithMetrics(driver.NewMetrics(v.reg)),
		driver.WithDomainSuspend(v.SuspendDomain),
	)
	if err != nil {
		return err
	}

	v.d = d

	if v.TraceCount > 0 {
		if err := d.RegisterCallback(kvmi.EventSingleStep, v.trace); err != nil {
			return err
		}
	}

	return nil
}

// Driver returns the attached driver, or nil before Init.
func (v *VMM) Driver() *driver.Driver { return v.d }

// trace logs every TraceCount-th stepped instruction.
func (v *VMM) trace(ev *kvmi.Event) {
	if n := v.steps.Add(1); (n-1)%uint64(v.TraceCount) != 0 {
		return
	}

	v.log.WithField("vcpu", ev.VCPU).Infof("%#x:%s", ev.Regs.RIP, ev.Asm())
}

// Run pumps events and serves the control socket and, when configured, the
// metrics endpoint until ctx is done, SIGINT or SIGTERM arrives, or the
// introspection channel fails. The driver is detached on return.
func (v *VMM) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()

	l, err := Listen(v.ControlSocket)
	if err != nil {
		v.d.Detach() //nolint:errcheck

		return err
	}

	v.log.WithField("socket", v.ControlSocket).Info("control socket ready")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return v.eventLoop(ctx) })
	g.Go(func() error { return NewControl(v.d, v.log).Serve(ctx, l) })

	if v.MetricsAddr != "" {
		g.Go(func() error { return v.serveMetrics(ctx) })
	}

	err = g.Wait()

	if derr := v.d.Detach(); err == nil {
		err = derr
	}

	return err
}

func (v *VMM) eventLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		err := v.d.ProcessNextEvent(v.EventTimeout)
		if err == nil || driver.KindOf(err) == driver.KindProtocol {
			continue
		}

		return fmt.Errorf("event loop: %w", err)
	}

	return nil
}

func (v *VMM) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(v.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              v.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		srv.Shutdown(sctx) //nolint:errcheck
	}()

	v.log.WithField("addr", v.MetricsAddr).Info("serving metrics")

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}

	return nil
}
