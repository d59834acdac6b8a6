package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("MSGSTREAM_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".auraphone-msgstream")
}

// GetDeviceDir returns the per-device directory (debug logs live under it)
func GetDeviceDir(deviceID string) string {
	return filepath.Join(GetDataDir(), deviceID)
}

// DefaultSocketPath returns the accessory socket path for a device
func DefaultSocketPath(deviceID string) string {
	return filepath.Join(os.TempDir(), "msgstream-"+ShortID(deviceID)+".sock")
}

// ShortID trims an identity to its first 8 characters for log prefixes
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
