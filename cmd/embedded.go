package main

import (
	"embed"
	"fmt"
)

//go:embed configs/turnstile.yaml
var configsFS embed.FS

// defaultConfig returns the embedded turnstile.yaml, used when no file is
// found on disk.
func defaultConfig() ([]byte, error) {
	data, err := configsFS.ReadFile("configs/turnstile.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded config: %w", err)
	}
	return data, nil
}
