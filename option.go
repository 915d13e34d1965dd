package pollnet

import (
	"time"
)

// Default configuration values.
const (
	// DefaultPort is the TCP port the server binds when none is configured.
	DefaultPort = 1234
	// DefaultPollTimeout bounds each readiness wait so the loop can notice
	// shutdown requests even when no socket is active.
	DefaultPollTimeout = time.Second
	// defaultClientTimeout is the per-pipeline deadline when the caller's
	// context has none.
	defaultClientTimeout = 30 * time.Second
)

// Config is the server configuration.
type Config struct {
	// Port is the TCP port bound on the wildcard address.
	// Zero asks the kernel for an ephemeral port; see Server.Addr.
	Port int
	// MaxMessageSize is the largest payload accepted in either direction.
	MaxMessageSize int
	// PollTimeout bounds each readiness wait.
	PollTimeout time.Duration
}

// DefaultConfig returns the configuration the server uses when no options
// are given.
func DefaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		MaxMessageSize: DefaultMaxMessageSize,
		PollTimeout:    DefaultPollTimeout,
	}
}

// checkConfig fills zero values with defaults.
// A negative port is rejected later by bind.
func checkConfig(cfg *Config) {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
}

// pollTimeoutMillis converts the poll timeout to the millisecond argument
// poll(2) expects, rounding sub-millisecond values up so the wait never
// degenerates into a busy loop.
func (c Config) pollTimeoutMillis() int {
	ms := c.PollTimeout.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return int(ms)
}

// serverOptions holds everything a ServerOption may change.
type serverOptions struct {
	cfg     Config
	logger  Logger
	onClose func(addr string, reason CloseReason, err error)
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// PortOption sets the listening port.
func PortOption(port int) ServerOption {
	return func(o *serverOptions) {
		o.cfg.Port = port
	}
}

// MessageMaxSize sets the maximum payload size accepted by the server.
// Larger declared lengths close the offending connection.
func MessageMaxSize(size int) ServerOption {
	return func(o *serverOptions) {
		o.cfg.MaxMessageSize = size
	}
}

// PollTimeoutOption sets the bound on each readiness wait.
func PollTimeoutOption(timeout time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.cfg.PollTimeout = timeout
	}
}

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// OnCloseOption sets a callback invoked on the server loop each time a
// connection is released. The callback must not block or call Close.
func OnCloseOption(cb func(addr string, reason CloseReason, err error)) ServerOption {
	return func(o *serverOptions) {
		o.onClose = cb
	}
}

// clientOptions holds everything a ClientOption may change.
type clientOptions struct {
	maxMessageSize int
	timeout        time.Duration
	logger         Logger
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// ClientMessageMaxSize sets the maximum payload size the client sends or
// accepts.
func ClientMessageMaxSize(size int) ClientOption {
	return func(o *clientOptions) {
		o.maxMessageSize = size
	}
}

// ClientTimeoutOption sets the deadline applied to a pipeline when the
// caller's context carries none.
func ClientTimeoutOption(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// ClientLoggerOption sets the logger for the client.
func ClientLoggerOption(logger Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

func checkClientOptions(opts *clientOptions) {
	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = DefaultMaxMessageSize
	}
	if opts.timeout <= 0 {
		opts.timeout = defaultClientTimeout
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}
