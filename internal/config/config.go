package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultMachines        = 3
	DefaultHost            = "127.0.0.1"
	DefaultBasePort        = 6666
	DefaultDuration        = 5 * time.Minute
	DefaultMinRate         = 1
	DefaultMaxRate         = 6
	DefaultEventRange      = 10
	DefaultInternalWork    = time.Millisecond
	DefaultPeriod          = time.Second
	DefaultMailboxCapacity = 128
	DefaultLogDir          = "log"

	// MaxMailboxCapacity is the largest mailbox a machine may have.
	MaxMailboxCapacity = 128
)

// Send failure policies, mirrored from the engine so config files can be
// validated without importing it.
const (
	SendFailureConnection = "connection"
	SendFailureProcess    = "process"
)

// Duration is a time.Duration that reads and writes as "1m30s" text in
// YAML, JSON and CUE files.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ConnectConfig controls outbound dialing at startup.
type ConnectConfig struct {
	// Timeout bounds a single dial attempt.
	Timeout Duration `yaml:"timeout" json:"timeout"`

	// Initial is the first retry wait.
	Initial Duration `yaml:"initial" json:"initial"`

	// MaxWait caps a single retry wait.
	MaxWait Duration `yaml:"max_wait" json:"max_wait"`

	// MaxAttempts bounds dial attempts per peer. Exhaustion aborts startup.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// WriteTimeout bounds a single send; zero blocks until the peer reads.
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout"`
}

// Config is the resolved configuration of one simulation run.
type Config struct {
	Machines int    `yaml:"machines" json:"machines"`
	Host     string `yaml:"host" json:"host"`

	// BasePort is machine 0's port; machine i listens on BasePort+i.
	// Zero asks the OS for ephemeral ports.
	BasePort int `yaml:"base_port" json:"base_port"`

	Duration Duration `yaml:"duration" json:"duration"`

	// Seed seeds rate selection and every machine's outcome draws.
	// Zero means seed from the wall clock at startup.
	Seed uint64 `yaml:"seed" json:"seed"`

	MinRate int `yaml:"min_rate" json:"min_rate"`
	MaxRate int `yaml:"max_rate" json:"max_rate"`

	// Rates fixes per-machine rates instead of drawing them.
	Rates []int `yaml:"rates,omitempty" json:"rates,omitempty"`

	EventRange      int      `yaml:"event_range" json:"event_range"`
	InternalWork    Duration `yaml:"internal_work" json:"internal_work"`
	Period          Duration `yaml:"period" json:"period"`
	MailboxCapacity int      `yaml:"mailbox_capacity" json:"mailbox_capacity"`
	SendFailure     string   `yaml:"send_failure" json:"send_failure"`

	Connect ConnectConfig `yaml:"connect" json:"connect"`

	// LogDir receives machine<id>.log files. Empty disables them.
	LogDir string `yaml:"log_dir" json:"log_dir"`

	// DB is the SQLite run store path. Empty disables it.
	DB string `yaml:"db" json:"db"`

	// StatusAddr serves the HTTP monitor. Empty disables it.
	StatusAddr string `yaml:"status_addr" json:"status_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Machines:        DefaultMachines,
		Host:            DefaultHost,
		BasePort:        DefaultBasePort,
		Duration:        Duration(DefaultDuration),
		MinRate:         DefaultMinRate,
		MaxRate:         DefaultMaxRate,
		EventRange:      DefaultEventRange,
		InternalWork:    Duration(DefaultInternalWork),
		Period:          Duration(DefaultPeriod),
		MailboxCapacity: DefaultMailboxCapacity,
		SendFailure:     SendFailureConnection,
		Connect: ConnectConfig{
			Timeout:     Duration(time.Second),
			Initial:     Duration(10 * time.Millisecond),
			MaxWait:     Duration(500 * time.Millisecond),
			MaxAttempts: 50,
		},
		LogDir: DefaultLogDir,
	}
}

// Addr returns machine id's listen address.
func (c Config) Addr(id int) string {
	port := 0
	if c.BasePort != 0 {
		port = c.BasePort + id
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// JSON renders the configuration for storage and display.
func (c Config) JSON() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return string(b), nil
}

// ParseJSON decodes a configuration stored by JSON. Fields the document
// omits keep their defaults.
func ParseJSON(s string) (Config, error) {
	c := Default()
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// ValidationError lists every problem found by Validate.
type ValidationError struct {
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks every field and reports all problems at once.
func (c Config) Validate() error {
	var p []string
	add := func(format string, args ...any) {
		p = append(p, fmt.Sprintf(format, args...))
	}

	if c.Machines < 1 {
		add("machines must be at least 1, got %d", c.Machines)
	}
	if c.EventRange < 2 {
		add("event_range must be at least 2, got %d", c.EventRange)
	} else if c.Machines > c.EventRange {
		add("machines (%d) must not exceed event_range (%d)", c.Machines, c.EventRange)
	}
	if c.Host == "" {
		add("host is required")
	}
	if c.BasePort < 0 || c.BasePort+c.Machines-1 > 65535 {
		add("base_port %d leaves no room for %d machines", c.BasePort, c.Machines)
	}
	if c.Duration < 0 {
		add("duration must not be negative")
	}

	if len(c.Rates) > 0 {
		if len(c.Rates) != c.Machines {
			add("rates has %d entries for %d machines", len(c.Rates), c.Machines)
		}
		for i, r := range c.Rates {
			if r < 1 {
				add("rates[%d] must be positive, got %d", i, r)
			}
		}
	} else {
		if c.MinRate < 1 {
			add("min_rate must be at least 1, got %d", c.MinRate)
		}
		if c.MaxRate < c.MinRate {
			add("max_rate (%d) must not be below min_rate (%d)", c.MaxRate, c.MinRate)
		}
	}

	if c.InternalWork < 0 {
		add("internal_work must not be negative")
	}
	if c.Period <= 0 {
		add("period must be positive")
	}
	if c.MailboxCapacity < 1 || c.MailboxCapacity > MaxMailboxCapacity {
		add("mailbox_capacity must be in [1, %d], got %d", MaxMailboxCapacity, c.MailboxCapacity)
	}
	if c.SendFailure != SendFailureConnection && c.SendFailure != SendFailureProcess {
		add("send_failure must be %q or %q, got %q", SendFailureConnection, SendFailureProcess, c.SendFailure)
	}

	if c.Connect.MaxAttempts < 0 {
		add("connect.max_attempts must not be negative")
	}
	if c.Connect.Timeout < 0 || c.Connect.Initial < 0 || c.Connect.MaxWait < 0 || c.Connect.WriteTimeout < 0 {
		add("connect durations must not be negative")
	}

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}
