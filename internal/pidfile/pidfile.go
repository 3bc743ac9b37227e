// Package pidfile records the running daemon's process ID so the CLI can
// find and signal it.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const pidFileName = "proxycache.pid"

var pidFilePath string // Unexported, for testing override

// SetPIDFilePath overrides the pidfile location for tests.
func SetPIDFilePath(path string) {
	pidFilePath = path
}

func getPIDFilePath() (string, error) {
	if pidFilePath != "" {
		return pidFilePath, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(configDir, "proxycache")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, pidFileName), nil
}

// Write records the current process ID. It fails if a pidfile already
// exists, which usually means another instance is running.
func Write() error {
	pidPath, err := getPIDFilePath()
	if err != nil {
		return fmt.Errorf("could not get pidfile path: %w", err)
	}

	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		return fmt.Errorf("pidfile already exists: %s", pidPath)
	}

	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// Read returns the process ID from the pidfile.
func Read() (int, error) {
	pidPath, err := getPIDFilePath()
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

// Remove deletes the pidfile.
func Remove() error {
	pidPath, err := getPIDFilePath()
	if err != nil {
		return err
	}
	return os.Remove(pidPath)
}
