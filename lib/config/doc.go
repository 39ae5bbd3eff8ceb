// Package config provides configuration management for go-tunneler.
//
// # Sources
//
// Settings are read by viper from $HOME/.go-tunneler/config.yaml (or the
// file named by --config) and from TUNNELER_* environment variables.
// Missing keys fall back to Defaults(). A default config file is written
// on first start when no file exists.
//
// # Sections
//
//   - socket: UDP listen address, worker count, accept queue, replay window
//   - tunnel: datagram size, congestion policy, buffer sizes, handshake timeout
//   - congestion: tick interval, retransmit timeout, window sizes
//   - directory: lock acquire timeouts for the tunnel directory
//   - limiter: per-sender hello and failure budgets
//
// Use NewConfigFromViper after InitConfig to obtain a validated
// ConfigDefaults value. Packages that need only one section accept that
// section directly so they can be constructed in tests without viper.
package config
