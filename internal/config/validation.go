package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/duke-git/lancet/v2/slice"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := slice.Map(e, func(_ int, item ValidationError) string { return item.Error() })
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Fields returns the dotted paths that failed validation.
func (e ValidationErrors) Fields() []string {
	return slice.Map(e, func(_ int, item ValidationError) string { return item.Field })
}

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"json", "console"}
	validOutputs = []string{"stdout", "file", "both"}
)

// Validate checks the configuration and returns ValidationErrors when anything is off.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	m := c.Master
	if !validPort(m.InitializePort) {
		add("master.initialize_port", "must be between 1 and 65533")
	}
	if m.MaxDisconnectErrors <= 0 {
		add("master.max_disconnect_errors", "must be positive")
	}
	if m.MaxConnections < 0 {
		add("master.max_connections", "must not be negative")
	}
	if m.HeartbeatInterval <= 0 {
		add("master.heartbeat_interval", "must be positive")
	}
	if m.LoopInterval <= 0 {
		add("master.loop_interval", "must be positive")
	}
	if m.PollInterval <= 0 {
		add("master.poll_interval", "must be positive")
	}
	if m.ConnectTimeout <= 0 {
		add("master.connect_timeout", "must be positive")
	}
	if m.IOTimeout <= 0 {
		add("master.io_timeout", "must be positive")
	}
	if m.AcceptTimeout <= 0 {
		add("master.accept_timeout", "must be positive")
	}
	if m.TaskQueueSize <= 0 {
		add("master.task_queue_size", "must be positive")
	}

	s := c.Slave
	if !validPort(s.InitializePort) {
		add("slave.initialize_port", "must be between 1 and 65533")
	}
	if s.MaxDisconnects <= 0 {
		add("slave.max_disconnects", "must be positive")
	}
	if s.AcceptTimeout <= 0 {
		add("slave.accept_timeout", "must be positive")
	}
	if s.ConnectTimeout <= 0 {
		add("slave.connect_timeout", "must be positive")
	}
	if s.IOTimeout <= 0 {
		add("slave.io_timeout", "must be positive")
	}
	if s.RetryInterval <= 0 {
		add("slave.retry_interval", "must be positive")
	}
	if s.ScanSubnet && s.ScanTimeout <= 0 {
		add("slave.scan_timeout", "must be positive")
	}
	if s.ScanSubnet && s.ScanWorkers <= 0 {
		add("slave.scan_workers", "must be positive")
	}
	if s.CPUCount < 0 {
		add("slave.cpu_count", "must not be negative")
	}
	if s.MasterAddress != "" && net.ParseIP(s.MasterAddress) == nil {
		if _, err := net.LookupHost(s.MasterAddress); err != nil {
			add("slave.master_address", "must be an IP or resolvable host name")
		}
	}

	if c.API.Address != "" {
		if _, _, err := net.SplitHostPort(c.API.Address); err != nil {
			add("api.address", "invalid address format, expected host:port or :port")
		}
	}

	if c.Directory.Enabled {
		if c.Directory.Address == "" {
			add("directory.address", "address is required when the directory is enabled")
		}
		if c.Directory.TTL <= 0 {
			add("directory.ttl", "must be positive")
		}
	}

	if !slice.Contain(validLevels, strings.ToLower(c.Logging.Level)) {
		add("logging.level", fmt.Sprintf("must be one of %v", validLevels))
	}
	if !slice.Contain(validFormats, c.Logging.Format) {
		add("logging.format", fmt.Sprintf("must be one of %v", validFormats))
	}
	if !slice.Contain(validOutputs, c.Logging.Output) {
		add("logging.output", fmt.Sprintf("must be one of %v", validOutputs))
	}
	if c.Logging.Output != "stdout" && c.Logging.FilePath == "" {
		add("logging.file_path", "file_path is required for file output")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// validPort leaves room for the first task/completion pair above the initialize port.
func validPort(p int) bool {
	return p > 0 && p <= 65533
}
