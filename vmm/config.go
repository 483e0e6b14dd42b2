package vmm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/govmi/govmi/virt"
)

// ErrUnknownKeys is returned for configuration files with keys Config does
// not have.
var ErrUnknownKeys = errors.New("unknown configuration keys")

// Config describes one introspection session.
type Config struct {
	// Domain is the libvirt domain name or numeric ID.
	Domain string `toml:"domain"`

	LibvirtSocket    string `toml:"libvirt_socket"`
	IntrospectSocket string `toml:"introspect_socket"`
	ControlSocket    string `toml:"control_socket"`
	MetricsAddr      string `toml:"metrics_addr"`

	DialTimeout  time.Duration `toml:"dial_timeout"`
	EventTimeout time.Duration `toml:"event_timeout"`

	// SuspendDomain makes pause and resume go through libvirt as well.
	SuspendDomain bool `toml:"suspend_domain"`

	// TraceCount logs every TraceCount-th single-step; 0 disables tracing.
	TraceCount int `toml:"trace_count"`

	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns the settings used when neither a file nor a flag
// sets them.
func DefaultConfig() Config {
	return Config{
		LibvirtSocket: virt.DefaultSocket,
		DialTimeout:   5 * time.Second,
		EventTimeout:  100 * time.Millisecond,
		LogLevel:      "info",
	}
}

// LoadConfig reads a TOML file into c. Keys missing from the file keep the
// value c already has.
func LoadConfig(path string, c *Config) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}

	if un := md.Undecoded(); len(un) > 0 {
		keys := make([]string, 0, len(un))
		for _, k := range un {
			keys = append(keys, k.String())
		}

		return fmt.Errorf("config %s: %w: %s", path, ErrUnknownKeys, strings.Join(keys, ", "))
	}

	return nil
}

// ControlSocketPath returns the default control socket of a session for
// domain.
func ControlSocketPath(domain string) string {
	return filepath.Join(os.TempDir(), "govmi-"+domain+".sock")
}

// IntrospectSocketPath returns the default introspection socket QEMU
// listens on for domain.
func IntrospectSocketPath(domain string) string {
	return filepath.Join("/var/run/govmi", domain+".sock")
}

// withDefaults fills in socket paths derived from the domain.
func (c Config) withDefaults() Config {
	if c.ControlSocket == "" {
		c.ControlSocket = ControlSocketPath(c.Domain)
	}

	if c.IntrospectSocket == "" {
		c.IntrospectSocket = IntrospectSocketPath(c.Domain)
	}

	return c
}
