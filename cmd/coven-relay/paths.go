// ABOUTME: Config and data path resolution following XDG conventions
// ABOUTME: The --config flag wins over COVEN_RELAY_CONFIG and the XDG default

package main

import (
	"os"
	"path/filepath"
)

// getConfigPath returns the path to the relay config file.
// Priority: --config flag > COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "relay.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}
