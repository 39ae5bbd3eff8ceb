package config

import (
	"time"

	"github.com/go-i2p/logger"
)

// Congestion policy names accepted by TunnelDefaults.CongestionPolicy.
const (
	PolicyNone   = "none"
	PolicySimple = "simple"
	PolicyAIMD   = "aimd"
)

// ConfigDefaults contains all default configuration values for go-tunneler.
// This centralizes default values to make them easy to discover, document, and modify.
//
// Design Principles:
// - Wire-visible values (datagram size, nonce layout) must match on both peers
// - Timing defaults favor interactive traffic over bulk throughput
// - Abuse protection is on by default
type ConfigDefaults struct {
	// Socket defaults
	Socket SocketDefaults `mapstructure:"socket" yaml:"socket"`

	// Tunnel session defaults
	Tunnel TunnelDefaults `mapstructure:"tunnel" yaml:"tunnel"`

	// Congestion control defaults
	Congestion CongestionDefaults `mapstructure:"congestion" yaml:"congestion"`

	// Tunnel directory defaults
	Directory DirectoryDefaults `mapstructure:"directory" yaml:"directory"`

	// Per-sender limiter defaults
	Limiter LimiterDefaults `mapstructure:"limiter" yaml:"limiter"`
}

// SocketDefaults contains default values for the UDP socket
type SocketDefaults struct {
	// ListenAddress is the UDP address tunnels are accepted on
	// Default: ":41000"
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`

	// ReadBufferSize is the largest datagram the receive loop accepts
	// Default: 2048 bytes
	ReadBufferSize int `mapstructure:"read_buffer_size" yaml:"read_buffer_size"`

	// Workers is the number of goroutines decoding and dispatching datagrams
	// Default: 4
	Workers int `mapstructure:"workers" yaml:"workers"`

	// AcceptQueueSize is how many inbound tunnels may wait for Accept
	// Default: 16
	AcceptQueueSize int `mapstructure:"accept_queue_size" yaml:"accept_queue_size"`

	// HelloReplayWindow is how long a hello's ephemeral key is remembered
	// Default: 2 minutes
	HelloReplayWindow time.Duration `mapstructure:"hello_replay_window" yaml:"hello_replay_window"`

	// MetricsAddress serves Prometheus metrics when non-empty
	// Default: "" (disabled)
	MetricsAddress string `mapstructure:"metrics_address" yaml:"metrics_address"`
}

// TunnelDefaults contains default values for tunnel sessions
type TunnelDefaults struct {
	// DatagramSize is the largest datagram a tunnel emits for data
	// Default: 576 bytes
	DatagramSize int `mapstructure:"datagram_size" yaml:"datagram_size"`

	// CongestionPolicy selects "none", "simple" or "aimd"
	// Default: "aimd"
	CongestionPolicy string `mapstructure:"congestion_policy" yaml:"congestion_policy"`

	// EventBufferSize is the capacity of a tunnel's event channel
	// Default: 64
	EventBufferSize int `mapstructure:"event_buffer_size" yaml:"event_buffer_size"`

	// MessageBufferSize is the capacity of a pipe's reassembled message queue
	// Default: 32
	MessageBufferSize int `mapstructure:"message_buffer_size" yaml:"message_buffer_size"`

	// ReorderLimit is how many out-of-order packets are held before a gap
	// is declared lost
	// Default: 64
	ReorderLimit int `mapstructure:"reorder_limit" yaml:"reorder_limit"`

	// HandshakeTimeout bounds how long Dial waits for a hello response
	// Default: 10 seconds
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`

	// CloseLinger bounds how long Close waits for the peer to acknowledge
	// the pipe closes it sends. Zero closes immediately.
	// Default: 2 seconds
	CloseLinger time.Duration `mapstructure:"close_linger" yaml:"close_linger"`
}

// CongestionDefaults contains default values for congestion control
type CongestionDefaults struct {
	// TickInterval is how often queued packets are drained and stale
	// packets retransmitted
	// Default: 250 milliseconds
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`

	// RetransmitTimeout is how long a packet waits for its ack before it
	// is sent again
	// Default: 500 milliseconds
	RetransmitTimeout time.Duration `mapstructure:"retransmit_timeout" yaml:"retransmit_timeout"`

	// MaxRetransmissions is how many times a packet is resent before it is
	// reported as dropped
	// Default: 8
	MaxRetransmissions int `mapstructure:"max_retransmissions" yaml:"max_retransmissions"`

	// InitialWindow is the congestion window a tunnel starts with
	// Default: 1 packet
	InitialWindow uint16 `mapstructure:"initial_window" yaml:"initial_window"`

	// MaxWindow caps the congestion window
	// Default: 32 packets
	MaxWindow uint16 `mapstructure:"max_window" yaml:"max_window"`

	// SlowStartThreshold is the window below which AIMD doubles per ack
	// Default: 2 packets
	SlowStartThreshold uint16 `mapstructure:"slow_start_threshold" yaml:"slow_start_threshold"`
}

// DirectoryDefaults contains default values for the tunnel directory lock
type DirectoryDefaults struct {
	// ReaderTimeout bounds how long a lookup waits for the directory
	// Default: 5 milliseconds
	ReaderTimeout time.Duration `mapstructure:"reader_timeout" yaml:"reader_timeout"`

	// WriterTimeout bounds how long an insert or removal waits
	// Default: 10 milliseconds
	WriterTimeout time.Duration `mapstructure:"writer_timeout" yaml:"writer_timeout"`
}

// LimiterDefaults contains default values for per-sender abuse protection
type LimiterDefaults struct {
	// Enabled turns the per-sender limiter on
	// Default: true
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// HellosPerMinute is the sustained hello rate allowed per sender address
	// Default: 30
	HellosPerMinute int `mapstructure:"hellos_per_minute" yaml:"hellos_per_minute"`

	// HelloBurst is the hello burst allowance per sender address
	// Default: 5
	HelloBurst int `mapstructure:"hello_burst" yaml:"hello_burst"`

	// FailuresPerMinute is the sustained decrypt/decode failure rate
	// tolerated per sender address before it is banned
	// Default: 60
	FailuresPerMinute int `mapstructure:"failures_per_minute" yaml:"failures_per_minute"`

	// FailureBurst is the failure burst allowance per sender address
	// Default: 20
	FailureBurst int `mapstructure:"failure_burst" yaml:"failure_burst"`

	// BanDuration is how long an abusive sender is ignored
	// Default: 5 minutes
	BanDuration time.Duration `mapstructure:"ban_duration" yaml:"ban_duration"`

	// CleanupInterval is how often idle sender state is discarded
	// Default: 1 minute
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// Defaults returns a ConfigDefaults instance with all default values populated.
func Defaults() ConfigDefaults {
	return ConfigDefaults{
		Socket:     buildSocketDefaults(),
		Tunnel:     buildTunnelDefaults(),
		Congestion: buildCongestionDefaults(),
		Directory:  buildDirectoryDefaults(),
		Limiter:    buildLimiterDefaults(),
	}
}

func buildSocketDefaults() SocketDefaults {
	return SocketDefaults{
		ListenAddress:     ":41000",
		ReadBufferSize:    2048,
		Workers:           4,
		AcceptQueueSize:   16,
		HelloReplayWindow: 2 * time.Minute,
		MetricsAddress:    "",
	}
}

func buildTunnelDefaults() TunnelDefaults {
	return TunnelDefaults{
		DatagramSize:      576,
		CongestionPolicy:  PolicyAIMD,
		EventBufferSize:   64,
		MessageBufferSize: 32,
		ReorderLimit:      64,
		HandshakeTimeout:  10 * time.Second,
		CloseLinger:       2 * time.Second,
	}
}

func buildCongestionDefaults() CongestionDefaults {
	return CongestionDefaults{
		TickInterval:       250 * time.Millisecond,
		RetransmitTimeout:  500 * time.Millisecond,
		MaxRetransmissions: 8,
		InitialWindow:      1,
		MaxWindow:          32,
		SlowStartThreshold: 2,
	}
}

func buildDirectoryDefaults() DirectoryDefaults {
	return DirectoryDefaults{
		ReaderTimeout: 5 * time.Millisecond,
		WriterTimeout: 10 * time.Millisecond,
	}
}

func buildLimiterDefaults() LimiterDefaults {
	return LimiterDefaults{
		Enabled:           true,
		HellosPerMinute:   30,
		HelloBurst:        5,
		FailuresPerMinute: 60,
		FailureBurst:      20,
		BanDuration:       5 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// Validate checks if the provided configuration values are reasonable.
// Returns an error describing the first invalid value found.
func Validate(cfg ConfigDefaults) error {
	log.WithFields(logger.Fields{
		"at":     "Validate",
		"reason": "verification_requested",
	}).Debug("validating configuration")
	validators := []func() error{
		func() error { return validateSocket(cfg.Socket) },
		func() error { return validateTunnel(cfg.Tunnel) },
		func() error { return validateCongestion(cfg.Congestion) },
		func() error { return validateDirectory(cfg.Directory) },
		func() error { return validateLimiter(cfg.Limiter) },
	}
	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("Configuration validation failed")
			return err
		}
	}
	log.WithField("at", "Validate").Debug("all configuration validations passed")
	return nil
}

func validateSocket(socket SocketDefaults) error {
	if socket.ReadBufferSize < 64 {
		return newValidationError("Socket.ReadBufferSize must be at least 64")
	}
	if socket.Workers < 1 {
		return newValidationError("Socket.Workers must be at least 1")
	}
	if socket.AcceptQueueSize < 1 {
		return newValidationError("Socket.AcceptQueueSize must be at least 1")
	}
	if socket.HelloReplayWindow <= 0 {
		return newValidationError("Socket.HelloReplayWindow must be positive")
	}
	return nil
}

// MinDatagramSize leaves room for the 61 bytes of sealed packet overhead,
// a two byte pipe length prefix and one byte of data.
const MinDatagramSize = 64

func validateTunnel(tunnel TunnelDefaults) error {
	if tunnel.DatagramSize < MinDatagramSize {
		log.WithFields(logger.Fields{
			"at":            "validateTunnel",
			"datagram_size": tunnel.DatagramSize,
			"minimum":       MinDatagramSize,
		}).Error("invalid tunnel configuration")
		return newValidationError("Tunnel.DatagramSize is too small")
	}
	switch tunnel.CongestionPolicy {
	case PolicyNone, PolicySimple, PolicyAIMD:
	default:
		return newValidationError("Tunnel.CongestionPolicy must be one of none, simple, aimd")
	}
	if tunnel.EventBufferSize < 1 || tunnel.MessageBufferSize < 1 {
		return newValidationError("Tunnel buffer sizes must be at least 1")
	}
	if tunnel.ReorderLimit < 1 {
		return newValidationError("Tunnel.ReorderLimit must be at least 1")
	}
	if tunnel.HandshakeTimeout <= 0 {
		return newValidationError("Tunnel.HandshakeTimeout must be positive")
	}
	if tunnel.CloseLinger < 0 {
		return newValidationError("Tunnel.CloseLinger cannot be negative")
	}
	return nil
}

func validateCongestion(c CongestionDefaults) error {
	if c.TickInterval <= 0 || c.RetransmitTimeout <= 0 {
		return newValidationError("Congestion intervals must be positive")
	}
	if c.MaxRetransmissions < 0 {
		return newValidationError("Congestion.MaxRetransmissions cannot be negative")
	}
	if c.InitialWindow < 1 {
		return newValidationError("Congestion.InitialWindow must be at least 1")
	}
	if c.MaxWindow < c.InitialWindow {
		log.WithFields(logger.Fields{
			"at":             "validateCongestion",
			"initial_window": c.InitialWindow,
			"max_window":     c.MaxWindow,
		}).Error("invalid congestion configuration")
		return newValidationError("Congestion.MaxWindow must be >= InitialWindow")
	}
	if c.SlowStartThreshold < 1 {
		return newValidationError("Congestion.SlowStartThreshold must be at least 1")
	}
	return nil
}

func validateDirectory(d DirectoryDefaults) error {
	if d.ReaderTimeout <= 0 || d.WriterTimeout <= 0 {
		return newValidationError("Directory timeouts must be positive")
	}
	return nil
}

func validateLimiter(l LimiterDefaults) error {
	if !l.Enabled {
		return nil
	}
	if l.HellosPerMinute < 1 || l.HelloBurst < 1 {
		return newValidationError("Limiter hello rate and burst must be at least 1")
	}
	if l.FailuresPerMinute < 1 || l.FailureBurst < 1 {
		return newValidationError("Limiter failure rate and burst must be at least 1")
	}
	if l.BanDuration <= 0 || l.CleanupInterval <= 0 {
		return newValidationError("Limiter durations must be positive")
	}
	return nil
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
