// Package bootstrap provides application initialization for CLI commands.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/newhackerman/tenbin2api/internal/config"
	log "github.com/newhackerman/tenbin2api/internal/logging"
	"github.com/newhackerman/tenbin2api/internal/registry"
)

// Result contains the result of bootstrapping the application.
type Result struct {
	Config         *config.Config
	Registry       *registry.Registry
	ConfigFilePath string
}

// Bootstrap loads environment, configuration, and the data-file
// registry. It should be called before any command that needs them.
func Bootstrap(configPath string) (*Result, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadConfigOptional(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()

	// First run: seed the data files with placeholders so the operator
	// has something to edit.
	if err := config.EnsureDataFiles(cfg); err != nil {
		return nil, fmt.Errorf("failed to seed data files: %w", err)
	}

	reg, err := registry.New(cfg)
	if err != nil {
		return nil, err
	}

	return &Result{
		Config:         cfg,
		Registry:       reg,
		ConfigFilePath: configPath,
	}, nil
}
