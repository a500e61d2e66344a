// Package paths resolves the XDG locations agentrelay keeps its files in.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appName = "agentrelay"

// baseDir resolves $<xdgVar>/agentrelay, then ~/<homeRel>/agentrelay, then
// $XDG_RUNTIME_DIR/agentrelay.
func baseDir(xdgVar string, homeRel ...string) (string, error) {
	if dir := strings.TrimSpace(os.Getenv(xdgVar)); dir != "" {
		return filepath.Join(dir, appName), nil
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(append(append([]string{home}, homeRel...), appName)...), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("unable to resolve %s directory from XDG, runtime dir or home", xdgVar)
}

// DataBaseDir holds durable data such as the session database.
func DataBaseDir() (string, error) {
	return baseDir("XDG_DATA_HOME", ".local", "share")
}

func StateBaseDir() (string, error) {
	return baseDir("XDG_STATE_HOME", ".local", "state")
}

// ConfigDir is $XDG_CONFIG_HOME/agentrelay or ~/.config/agentrelay.
func ConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return filepath.Join(dir, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}

func DatabasePath() (string, error) {
	base, err := DataBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "sessions.db"), nil
}

// RunBaseDir holds per-session working directories of the process driver.
func RunBaseDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "runs"), nil
}

func TSNetStateDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tsnet"), nil
}

// TLSDir holds server TLS material.
func TLSDir() (string, error) {
	base, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tls"), nil
}
