package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

var (
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const GOTUNNELER_BASE_DIR = ".go-tunneler"

// InitConfig points viper at the config file, registers defaults and
// creates a default config file when none exists.
func InitConfig() error {
	if CfgFile != "" {
		// Use config file from the flag
		path, err := checkConfigPath(CfgFile)
		if err != nil {
			return err
		}
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath(BuildTunnelerDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("TUNNELER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(viper.GetViper(), Defaults())
	return handleConfigFile()
}

func setDefaults(v *viper.Viper, d ConfigDefaults) {
	// Socket defaults
	v.SetDefault("socket.listen_address", d.Socket.ListenAddress)
	v.SetDefault("socket.read_buffer_size", d.Socket.ReadBufferSize)
	v.SetDefault("socket.workers", d.Socket.Workers)
	v.SetDefault("socket.accept_queue_size", d.Socket.AcceptQueueSize)
	v.SetDefault("socket.hello_replay_window", d.Socket.HelloReplayWindow)
	v.SetDefault("socket.metrics_address", d.Socket.MetricsAddress)

	// Tunnel defaults
	v.SetDefault("tunnel.datagram_size", d.Tunnel.DatagramSize)
	v.SetDefault("tunnel.congestion_policy", d.Tunnel.CongestionPolicy)
	v.SetDefault("tunnel.event_buffer_size", d.Tunnel.EventBufferSize)
	v.SetDefault("tunnel.message_buffer_size", d.Tunnel.MessageBufferSize)
	v.SetDefault("tunnel.reorder_limit", d.Tunnel.ReorderLimit)
	v.SetDefault("tunnel.handshake_timeout", d.Tunnel.HandshakeTimeout)
	v.SetDefault("tunnel.close_linger", d.Tunnel.CloseLinger)

	// Congestion defaults
	v.SetDefault("congestion.tick_interval", d.Congestion.TickInterval)
	v.SetDefault("congestion.retransmit_timeout", d.Congestion.RetransmitTimeout)
	v.SetDefault("congestion.max_retransmissions", d.Congestion.MaxRetransmissions)
	v.SetDefault("congestion.initial_window", d.Congestion.InitialWindow)
	v.SetDefault("congestion.max_window", d.Congestion.MaxWindow)
	v.SetDefault("congestion.slow_start_threshold", d.Congestion.SlowStartThreshold)

	// Directory defaults
	v.SetDefault("directory.reader_timeout", d.Directory.ReaderTimeout)
	v.SetDefault("directory.writer_timeout", d.Directory.WriterTimeout)

	// Limiter defaults
	v.SetDefault("limiter.enabled", d.Limiter.Enabled)
	v.SetDefault("limiter.hellos_per_minute", d.Limiter.HellosPerMinute)
	v.SetDefault("limiter.hello_burst", d.Limiter.HelloBurst)
	v.SetDefault("limiter.failures_per_minute", d.Limiter.FailuresPerMinute)
	v.SetDefault("limiter.failure_burst", d.Limiter.FailureBurst)
	v.SetDefault("limiter.ban_duration", d.Limiter.BanDuration)
	v.SetDefault("limiter.cleanup_interval", d.Limiter.CleanupInterval)
}

// NewConfigFromViper builds a validated configuration from the current
// viper settings.
func NewConfigFromViper() (ConfigDefaults, error) {
	return configFrom(viper.GetViper())
}

func configFrom(v *viper.Viper) (ConfigDefaults, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, oops.Wrapf(err, "failed to decode configuration")
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func createDefaultConfig(defaultConfigDir string) error {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	if err := ensureConfigDir(defaultConfigDir); err != nil {
		return err
	}

	if err := viper.SafeWriteConfigAs(defaultConfigFile); err != nil {
		return oops.Wrapf(err, "could not write default config file")
	}
	restrictConfigFile(defaultConfigFile)

	log.Debugf("Created default configuration at: %s", defaultConfigFile)
	return nil
}

func handleConfigFile() error {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if CfgFile != "" {
				return oops.Wrapf(err, "config file %s is not found", CfgFile)
			}
			return createDefaultConfig(BuildTunnelerDirPath())
		}
		if CfgFile != "" && os.IsNotExist(err) {
			return oops.Wrapf(err, "config file %s is not found", CfgFile)
		}
		return oops.Wrapf(err, "error reading config file")
	}
	log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	return nil
}

// BuildTunnelerDirPath returns $HOME/.go-tunneler.
func BuildTunnelerDirPath() string {
	return filepath.Join(UserHome(), GOTUNNELER_BASE_DIR)
}

// UserHome returns the current user's home directory, falling back to
// $HOME and then the working directory.
func UserHome() string {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return homeDir
	}
	if home := os.Getenv("HOME"); home != "" {
		log.WithError(err).Warn("os.UserHomeDir failed, falling back to $HOME")
		return home
	}
	if wd, wdErr := os.Getwd(); wdErr == nil {
		log.WithError(err).Warn("os.UserHomeDir and $HOME unavailable; falling back to working directory")
		return wd
	}
	return "."
}
