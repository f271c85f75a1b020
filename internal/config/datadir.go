package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the platform-appropriate data directory for the
// persisted state layout of spec.md §6 (agents.json, tasks.json, ...).
// Set WORKFARM_DATA_DIR to override, adapted from the teacher's
// NEBO_DATA_DIR convention.
func DataDir() (string, error) {
	if dir := os.Getenv("WORKFARM_DATA_DIR"); dir != "" {
		return dir, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}

	if runtime.GOOS == "linux" {
		return filepath.Join(configDir, "workfarm"), nil
	}
	return filepath.Join(configDir, "Workfarm"), nil
}

// EnsureDataDir creates the data directory (and its memory/preferences/
// logs subdirectories) if they don't already exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	for _, sub := range []string{"", "memory", "preferences", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", err
		}
	}
	return dir, nil
}
