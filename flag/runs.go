package flag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/govmi/govmi/kvm"
	"github.com/govmi/govmi/probe"
	"github.com/govmi/govmi/vmm"
)

var errNoDomain = errors.New("no domain given, use --domain or the config file")

func Parse() error {
	c := CLI{}

	programName := "govmi"
	programDesc := "govmi pauses, resumes and single-steps KVM guests through the introspection channel"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run(&c.Globals)
}

func (l *ListenCMD) Run(g *Globals) error {
	c, err := g.config()
	if err != nil {
		return err
	}

	l.apply(&c)

	v := vmm.New(c)

	if err := v.Init(); err != nil {
		return err
	}

	return v.Run(context.Background())
}

// send runs one control command against the session of the configured domain.
func send(g *Globals, line string) (string, error) {
	c, err := g.config()
	if err != nil {
		return "", err
	}

	return vmm.Send(vmm.New(c).ControlSocket, line)
}

func (p *PauseCMD) Run(g *Globals) error {
	line := "PAUSE"
	if p.Timeout > 0 {
		line += " " + p.Timeout.String()
	}

	_, err := send(g, line)

	return err
}

func (r *ResumeCMD) Run(g *Globals) error {
	_, err := send(g, "RESUME")

	return err
}

func (s *SStepCMD) Run(g *Globals) error {
	_, err := send(g, "SSTEP "+strconv.Itoa(s.VCPU)+" "+s.State)

	return err
}

func (s *StatusCMD) Run(g *Globals) error {
	out, err := send(g, "STATUS")
	if err != nil {
		return err
	}

	fmt.Println(out)

	return nil
}

func (p *ProbeCMD) Run(g *Globals) error {
	if p.Host {
		return probe.Host(os.Stdout, kvm.Device)
	}

	c, err := g.config()
	if err != nil {
		return err
	}

	setString(&c.LibvirtSocket, p.LibvirtSocket)
	setString(&c.IntrospectSocket, p.IntrospectSocket)
	c = vmm.New(c).Config

	return probe.Domain(os.Stdout, c.LibvirtSocket, c.Domain, c.IntrospectSocket, c.DialTimeout)
}
