// Package probe reports what the host, the management layer and the
// introspection socket say about a domain, without attaching the driver.
package probe

import (
	"fmt"
	"io"
	"time"

	"github.com/govmi/govmi/kvm"
	"github.com/govmi/govmi/kvmi"
	"github.com/govmi/govmi/virt"
)

// Facts about one domain. IntrospectVCPUs is -1 when the introspection
// socket could not be reached, and IntrospectErr says why.
type Facts struct {
	Name            string
	ID              uint32
	UUID            string
	State           string
	VCPUs           int
	IntrospectVCPUs int
	IntrospectErr   error
}

// Domain looks up ident through libvirtd at libvirtSocket, asks the
// introspection socket for its vCPU count and prints the result to w.
func Domain(w io.Writer, libvirtSocket, ident, introspectSocket string, timeout time.Duration) error {
	c, err := virt.Connect(libvirtSocket, timeout)
	if err != nil {
		return err
	}
	defer c.Close()

	dom, err := c.Lookup(ident)
	if err != nil {
		return err
	}

	f := Facts{Name: dom.Name(), ID: dom.ID(), UUID: dom.UUID(), IntrospectVCPUs: -1}

	if f.State, err = dom.State(); err != nil {
		return err
	}

	if f.VCPUs, err = dom.VCPUs(); err != nil {
		return err
	}

	f.IntrospectVCPUs, f.IntrospectErr = introspectVCPUs(introspectSocket, dom.Name(), timeout)

	Print(w, f)

	return nil
}

func introspectVCPUs(path, domain string, timeout time.Duration) (int, error) {
	cl, err := kvmi.Dial(path, domain, timeout)
	if err != nil {
		return -1, err
	}
	defer cl.Close()

	return cl.VCPUCount()
}

// Print writes f as one "key: value" line per fact.
func Print(w io.Writer, f Facts) {
	fmt.Fprintf(w, "Name:  %s\n", f.Name)
	fmt.Fprintf(w, "ID:    %d\n", f.ID)
	fmt.Fprintf(w, "UUID:  %s\n", f.UUID)
	fmt.Fprintf(w, "State: %s\n", f.State)
	fmt.Fprintf(w, "vCPUs: %d\n", f.VCPUs)

	if f.IntrospectErr != nil {
		fmt.Fprintf(w, "Introspection: unavailable (%v)\n", f.IntrospectErr)

		return
	}

	fmt.Fprintf(w, "Introspection: %d vCPUs\n", f.IntrospectVCPUs)

	if f.IntrospectVCPUs != f.VCPUs {
		fmt.Fprintf(w, "* vCPU count mismatch\n")
	}
}

// Host prints which of the capabilities introspection relies on the KVM
// device dev offers, in the manner of "CapSetGuestDebug: true".
func Host(w io.Writer, dev string) error {
	caps, err := kvm.Probe(dev, kvm.Introspection)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "KVM API version %d\n", kvm.APIVersion)

	for _, c := range caps {
		fmt.Fprintf(w, "%-30s: %t\n", c.Cap, c.Value != 0)
	}

	return nil
}
