package config

import (
	"fmt"
	"time"
)

// Validator accumulates configuration errors and warnings across
// every sub-check, so Load reports every problem at once instead of
// failing on the first one. Grounded on pkg/config's ConfigValidator.
type Validator struct {
	cfg    *Config
	errors []error
	warns  []string
}

// NewValidator creates a Validator bound to cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs every sub-check and returns a combined error if any of
// them recorded a hard failure. Warnings never fail Validate; callers
// read them back via GetWarnings.
func (v *Validator) Validate() error {
	v.validateSharedMemory()
	v.validatePipe()
	v.validateSupervisor()
	v.validateMessages()

	if len(v.errors) > 0 {
		return fmt.Errorf("configuration validation failed with %d errors: %v", len(v.errors), v.errors)
	}
	return nil
}

// GetWarnings returns every warning recorded during Validate.
func (v *Validator) GetWarnings() []string {
	return v.warns
}

func (v *Validator) validateSharedMemory() {
	sm := v.cfg.SharedMemory

	if sm.MaxTotalBytes <= 0 {
		v.errors = append(v.errors, fmt.Errorf("shared_memory.max_total_bytes must be positive, got %d", sm.MaxTotalBytes))
	}
	if sm.DefaultSegmentBytes <= 0 {
		v.errors = append(v.errors, fmt.Errorf("shared_memory.default_segment_bytes must be positive, got %d", sm.DefaultSegmentBytes))
	}
	if sm.MinSegmentBytes <= 0 {
		v.errors = append(v.errors, fmt.Errorf("shared_memory.min_segment_bytes must be positive, got %d", sm.MinSegmentBytes))
	}
	if sm.MinSegmentBytes > 0 && sm.DefaultSegmentBytes > 0 && sm.MinSegmentBytes > sm.DefaultSegmentBytes {
		v.warns = append(v.warns, "shared_memory.min_segment_bytes exceeds default_segment_bytes")
	}
	if sm.WarningThreshold <= 0 || sm.WarningThreshold > 1 {
		v.errors = append(v.errors, fmt.Errorf("shared_memory.warning_threshold must be in (0, 1], got %v", sm.WarningThreshold))
	}
	if sm.CriticalThreshold <= 0 || sm.CriticalThreshold > 1 {
		v.errors = append(v.errors, fmt.Errorf("shared_memory.critical_threshold must be in (0, 1], got %v", sm.CriticalThreshold))
	}
	if sm.WarningThreshold >= sm.CriticalThreshold {
		v.errors = append(v.errors, fmt.Errorf(
			"shared_memory.warning_threshold (%v) must be less than critical_threshold (%v)",
			sm.WarningThreshold, sm.CriticalThreshold))
	}
	if sm.WatchdogInterval <= 0 {
		v.errors = append(v.errors, fmt.Errorf("shared_memory.watchdog_interval must be positive, got %v", sm.WatchdogInterval))
	}
}

func (v *Validator) validatePipe() {
	p := v.cfg.Pipe

	named := map[string]time.Duration{
		"pipe.accept_timeout":        p.AcceptTimeout,
		"pipe.shutdown_timeout":      p.ShutdownTimeout,
		"pipe.apply_segment_timeout": p.ApplySegmentTimeout,
		"pipe.connect_timeout":       p.ConnectTimeout,
		"pipe.disconnect_timeout":    p.DisconnectTimeout,
		"pipe.passthrough_timeout":   p.PassthroughTimeout,
	}
	for _, name := range pipeFieldOrder {
		if d := named[name]; d <= 0 {
			v.errors = append(v.errors, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
}

// pipeFieldOrder keeps validatePipe's reported errors in a stable
// order, since Go map iteration is randomized.
var pipeFieldOrder = []string{
	"pipe.accept_timeout",
	"pipe.shutdown_timeout",
	"pipe.apply_segment_timeout",
	"pipe.connect_timeout",
	"pipe.disconnect_timeout",
	"pipe.passthrough_timeout",
}

func (v *Validator) validateSupervisor() {
	if v.cfg.Supervisor.MaxConcurrentSpawns <= 0 {
		v.errors = append(v.errors, fmt.Errorf("supervisor.max_concurrent_spawns must be positive, got %d", v.cfg.Supervisor.MaxConcurrentSpawns))
	}
}

func (v *Validator) validateMessages() {
	if v.cfg.Messages.MaxMessagesPerSession <= 0 {
		v.errors = append(v.errors, fmt.Errorf("messages.max_messages_per_session must be positive, got %d", v.cfg.Messages.MaxMessagesPerSession))
	}
}
