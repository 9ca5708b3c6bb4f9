package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfig names the environment variable that overrides config discovery.
const EnvConfig = "LABORCH_CONFIG"

// DiscoverConfigPath finds the config file by checking standard locations in
// order: $LABORCH_CONFIG, ~/.config/laborch, /etc/laborch, ./config.yaml.
// A directory resolves to the config.yaml inside it.
func DiscoverConfigPath() (string, error) {
	var candidates []string
	if p := os.Getenv(EnvConfig); p != "" {
		candidates = append(candidates, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "laborch"))
	}
	candidates = append(candidates, "/etc/laborch", "./config.yaml")

	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
		if dirExists(c) && fileExists(filepath.Join(c, "config.yaml")) {
			return filepath.Join(c, "config.yaml"), nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/laborch, /etc/laborch, ./config.yaml)", EnvConfig)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
