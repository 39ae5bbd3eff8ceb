package config

import (
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

const (
	// ConfigDirPermissions keeps the config directory owner-only.
	ConfigDirPermissions = 0o700
	// ConfigFilePermissions keeps the config file owner-only.
	ConfigFilePermissions = 0o600
)

// ensureConfigDir creates dir with owner-only permissions, tightening an
// existing directory.
func ensureConfigDir(dir string) error {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, ConfigDirPermissions); err != nil {
		return oops.Wrapf(err, "could not create config directory %s", dir)
	}
	// MkdirAll keeps the mode of an existing directory.
	if err := os.Chmod(dir, ConfigDirPermissions); err != nil {
		log.WithFields(logger.Fields{
			"at":     "ensureConfigDir",
			"reason": "chmod_failed",
			"path":   dir,
		}).WithError(err).Warn("could not restrict config directory permissions")
	}
	return nil
}

func restrictConfigFile(path string) {
	if err := os.Chmod(path, ConfigFilePermissions); err != nil {
		log.WithFields(logger.Fields{
			"at":     "restrictConfigFile",
			"reason": "chmod_failed",
			"path":   path,
		}).WithError(err).Warn("could not restrict config file permissions")
	}
}

// checkConfigPath cleans a user supplied config path and rejects one that
// names a directory.
func checkConfigPath(path string) (string, error) {
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err == nil && info.IsDir() {
		return "", oops.Errorf("config path %s is a directory", clean)
	}
	return clean, nil
}
