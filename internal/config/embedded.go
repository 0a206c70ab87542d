package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

//go:embed env.sample
var envSample []byte

// Sample returns the documented default .env contents
func Sample() []byte {
	return envSample
}

// WriteSample writes env.sample to configDir/.env. An existing file is left
// alone unless backup is set, in which case it is copied aside first.
func WriteSample(configDir string, backup bool) (string, error) {
	target := filepath.Join(configDir, ".env")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	if existing, err := os.ReadFile(target); err == nil {
		if !backup {
			return target, nil
		}
		backupPath := fmt.Sprintf("%s.%s.bak", target, time.Now().Format("2006-01-02"))
		if err := os.WriteFile(backupPath, existing, 0o600); err != nil {
			return "", fmt.Errorf("writing backup: %w", err)
		}
	}

	if err := os.WriteFile(target, envSample, 0o600); err != nil {
		return "", fmt.Errorf("writing env file: %w", err)
	}
	return target, nil
}
