package credentials

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultStoreDir is the directory holding file-backed token stores.
func DefaultStoreDir() string {
	dataHome := os.Getenv("XDG_STATE_HOME")
	if dataHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dataHome = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(dataHome, "koperasi", "tokens")
}

// DefaultConfigDir is where koperasi.yaml is looked up after the working directory.
func DefaultConfigDir() string {
	xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfigHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		xdgConfigHome = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(xdgConfigHome, "koperasi")
}

func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
