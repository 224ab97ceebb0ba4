package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
)

// Config holds the settings of one introspection session
type Config struct {
	// Domain is the id of the guest to monitor
	Domain uint16

	// UseAltp2m enables alternate p2m views and singlestep monitoring
	UseAltp2m bool

	// PollTimeout bounds each wait of the event loop
	PollTimeout time.Duration

	// DrainCycles is the number of loop passes run at teardown
	DrainCycles int

	// InterfaceVersion is the vm_event version stamped on responses
	InterfaceVersion uint32

	// ControlDir holds the per-guest control keys watched for shutdown
	ControlDir string

	// JournalDir enables raw request capture when set
	JournalDir string

	// MetricsAddr enables the Prometheus endpoint when set
	MetricsAddr string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Domain:           1,
		UseAltp2m:        false,
		PollTimeout:      100 * time.Millisecond,
		DrainCycles:      3,
		InterfaceVersion: vmevent.InterfaceVersion,
		ControlDir:       "/var/run/bdvmi",
		JournalDir:       "",
		MetricsAddr:      "",
	}
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("BDVMI_DOMAIN"); v != "" {
		if dom, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Domain = uint16(dom)
		}
	}

	if v := os.Getenv("BDVMI_USE_ALTP2M"); v != "" {
		cfg.UseAltp2m = v == "1" || v == "true" || v == "TRUE"
	}

	if v := os.Getenv("BDVMI_POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollTimeout = d
		}
	}

	if v := os.Getenv("BDVMI_DRAIN_CYCLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DrainCycles = n
		}
	}

	if v := os.Getenv("BDVMI_INTERFACE_VERSION"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.InterfaceVersion = uint32(n)
		}
	}

	if v := os.Getenv("BDVMI_CONTROL_DIR"); v != "" {
		cfg.ControlDir = v
	}

	if v := os.Getenv("BDVMI_JOURNAL_DIR"); v != "" {
		cfg.JournalDir = v
	}

	if v := os.Getenv("BDVMI_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Domain == 0 {
		return fmt.Errorf("domain 0 cannot be introspected")
	}

	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got: %s", c.PollTimeout)
	}

	if c.DrainCycles < 0 {
		return fmt.Errorf("drain cycles must be >= 0, got: %d", c.DrainCycles)
	}

	if c.InterfaceVersion == 0 {
		return fmt.Errorf("interface version must be positive")
	}

	if c.ControlDir == "" {
		return fmt.Errorf("control dir must be set")
	}

	return nil
}

// Journaling reports whether raw request capture is enabled
func (c *Config) Journaling() bool {
	return c.JournalDir != ""
}
