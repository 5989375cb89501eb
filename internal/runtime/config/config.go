package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultChannelName       = "main"
	DefaultChannelBufferSize = 100
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultWebUIPort         = 8081
)

// Config groups the settings used to build a Courier. Zero values fall back
// to the defaults applied by WithDefaults.
type Config struct {
	// DefaultChannel is used when a receiver is registered without a channel name.
	DefaultChannel string

	// ChannelBufferSize bounds every channel queue. Submitting to a full channel blocks.
	ChannelBufferSize int
	// ChannelBufferSizes overrides the capacity for individual channels.
	ChannelBufferSizes map[string]int

	// DeadLetterEnabled creates the dead letter outlet. Without it,
	// RegisterDeadLetterReceiver fails and dead parcels are only marked on their receipt.
	DeadLetterEnabled bool
	// DeadLetterBufferSize bounds the dead letter outlet. Defaults to ChannelBufferSize.
	DeadLetterBufferSize int

	// ShutdownTimeout caps how long Close waits for forwarding tasks to stop.
	ShutdownTimeout time.Duration
	// ReceiverTimeout, when positive, bounds every receiver invocation.
	ReceiverTimeout time.Duration

	// RetryMiddleware tuning. Zero values fall back to library defaults.
	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// Metrics configuration.
	MetricsEnabled bool
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int

	// WebUI configuration.
	WebUIEnabled bool
	// WebUIPort is the port where the road stats API will be exposed. Defaults to 8081.
	WebUIPort int
	// WebUICORSAllowedOrigins specifies allowed origins for CORS. Use "*" for development
	// or specific origins like "https://example.com" for production. Empty disables CORS headers.
	WebUICORSAllowedOrigins []string
}

// WithDefaults returns a copy of the configuration with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.DefaultChannel) == "" {
		c.DefaultChannel = DefaultChannelName
	}
	if c.ChannelBufferSize == 0 {
		c.ChannelBufferSize = DefaultChannelBufferSize
	}
	if c.DeadLetterEnabled && c.DeadLetterBufferSize == 0 {
		c.DeadLetterBufferSize = c.ChannelBufferSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.WebUIEnabled && c.WebUIPort == 0 {
		c.WebUIPort = DefaultWebUIPort
	}
	return c
}

// BufferSizeFor returns the queue capacity for the named channel.
func (c *Config) BufferSizeFor(channel string) int {
	if size, ok := c.ChannelBufferSizes[channel]; ok && size > 0 {
		return size
	}
	if c.ChannelBufferSize > 0 {
		return c.ChannelBufferSize
	}
	return DefaultChannelBufferSize
}

func (c Config) String() string {
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(c))
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateChannels()...)
	errs = append(errs, c.validateTimeouts()...)
	errs = append(errs, c.validateRetry()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validateChannels() []error {
	var errs []error
	if c.ChannelBufferSize < 0 {
		errs = append(errs, fmt.Errorf("channel: buffer size %d cannot be negative", c.ChannelBufferSize))
	}
	for name, size := range c.ChannelBufferSizes {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("channel: buffer override requires a channel name"))
		}
		if size < 0 {
			errs = append(errs, fmt.Errorf("channel %q: buffer size %d cannot be negative", name, size))
		}
	}
	if c.DeadLetterBufferSize < 0 {
		errs = append(errs, fmt.Errorf("dead letter: buffer size %d cannot be negative", c.DeadLetterBufferSize))
	}
	if c.DeadLetterBufferSize > 0 && !c.DeadLetterEnabled {
		errs = append(errs, errors.New("dead letter: buffer size set but dead letter channel is disabled"))
	}
	return errs
}

func (c *Config) validateTimeouts() []error {
	var errs []error
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown: timeout cannot be negative"))
	}
	if c.ReceiverTimeout < 0 {
		errs = append(errs, errors.New("receiver: timeout cannot be negative"))
	}
	return errs
}

// validateRetry checks retry configuration values.
func (c *Config) validateRetry() []error {
	var errs []error
	if c.RetryMaxRetries < 0 {
		errs = append(errs, errors.New("retry: max retries cannot be negative"))
	}
	if c.RetryInitialInterval < 0 {
		errs = append(errs, errors.New("retry: initial interval cannot be negative"))
	}
	if c.RetryMaxInterval < 0 {
		errs = append(errs, errors.New("retry: max interval cannot be negative"))
	}
	if c.RetryMaxInterval > 0 && c.RetryInitialInterval > 0 && c.RetryInitialInterval > c.RetryMaxInterval {
		errs = append(errs, errors.New("retry: initial interval cannot exceed max interval"))
	}
	return errs
}

// validatePorts checks port configuration values.
func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.WebUIPort < 0 || c.WebUIPort > 65535 {
		errs = append(errs, fmt.Errorf("webui: invalid port %d", c.WebUIPort))
	}
	if c.MetricsPort > 0 && c.MetricsPort == c.WebUIPort {
		errs = append(errs, fmt.Errorf("metrics and webui cannot share port %d", c.MetricsPort))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
