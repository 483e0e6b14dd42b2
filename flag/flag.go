package flag

import (
	"fmt"
	"time"

	"github.com/govmi/govmi/vmm"
	"github.com/sirupsen/logrus"
)

// Globals are the flags every command accepts.
type Globals struct {
	Config   string `help:"TOML configuration file." type:"existingfile" short:"c"`
	LogLevel string `help:"Log level (trace, debug, info, warn, error)."`
	Domain   string `help:"Libvirt domain name or ID." short:"d"`
}

// CLI is the command line of govmi.
type CLI struct {
	Globals

	Listen ListenCMD `cmd:"" help:"Attach to a domain and serve introspection until interrupted."`
	Pause  PauseCMD  `cmd:"" help:"Pause every vCPU of a listening session."`
	Resume ResumeCMD `cmd:"" help:"Resume a paused session."`
	SStep  SStepCMD  `cmd:"" name:"sstep" help:"Arm or disarm single-stepping on a vCPU."`
	Status StatusCMD `cmd:"" help:"Print the state of a listening session."`
	Probe  ProbeCMD  `cmd:"" help:"Print what libvirt and the introspection socket report for a domain."`
}

// ListenCMD flags override the configuration file; zero values leave it alone.
type ListenCMD struct {
	LibvirtSocket    string        `help:"libvirtd socket." name:"libvirt-socket"`
	IntrospectSocket string        `help:"Introspection socket of the domain." name:"socket" short:"s"`
	ControlSocket    string        `help:"Control socket to create." name:"control"`
	Metrics          string        `help:"Serve Prometheus metrics on this address." placeholder:"HOST:PORT"`
	DialTimeout      time.Duration `help:"How long to keep trying to connect."`
	EventTimeout     time.Duration `help:"How long one event wait may block."`
	Suspend          bool          `help:"Also suspend and resume the domain through libvirt."`
	TraceCount       int           `help:"Log every Nth single-stepped instruction, 0 disables." short:"T"`
}

// PauseCMD pauses a listening session.
type PauseCMD struct {
	Timeout time.Duration `help:"Give up after this long; the pause stays requested." short:"t"`
}

type ResumeCMD struct{}

type SStepCMD struct {
	VCPU  int    `arg:"" help:"vCPU index."`
	State string `arg:"" enum:"on,off" help:"on or off."`
}

type StatusCMD struct{}

type ProbeCMD struct {
	Host             bool   `help:"Only check the KVM capabilities of this host."`
	LibvirtSocket    string `help:"libvirtd socket." name:"libvirt-socket"`
	IntrospectSocket string `help:"Introspection socket of the domain." name:"socket" short:"s"`
}

// config builds the session configuration: defaults, then the file, then
// the global flags.
func (g *Globals) config() (vmm.Config, error) {
	c := vmm.DefaultConfig()

	if g.Config != "" {
		if err := vmm.LoadConfig(g.Config, &c); err != nil {
			return c, err
		}
	}

	if g.Domain != "" {
		c.Domain = g.Domain
	}

	if g.LogLevel != "" {
		c.LogLevel = g.LogLevel
	}

	if c.Domain == "" {
		return c, errNoDomain
	}

	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return c, fmt.Errorf("log level: %w", err)
	}

	logrus.SetLevel(lvl)

	return c, nil
}

// apply copies the flags that were set onto c.
func (l *ListenCMD) apply(c *vmm.Config) {
	setString(&c.LibvirtSocket, l.LibvirtSocket)
	setString(&c.IntrospectSocket, l.IntrospectSocket)
	setString(&c.ControlSocket, l.ControlSocket)
	setString(&c.MetricsAddr, l.Metrics)

	if l.DialTimeout > 0 {
		c.DialTimeout = l.DialTimeout
	}

	if l.EventTimeout > 0 {
		c.EventTimeout = l.EventTimeout
	}

	if l.Suspend {
		c.SuspendDomain = true
	}

	if l.TraceCount > 0 {
		c.TraceCount = l.TraceCount
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
