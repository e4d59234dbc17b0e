package config

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Loader reads the climate configuration file and remembers the last
// configuration that loaded cleanly.
type Loader struct {
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	current *ClimateConfig
}

// NewLoader creates a loader for the file at path
func NewLoader(path string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		path:   path,
		logger: logger.Named("config"),
	}
}

// Path returns the file the loader reads
func (l *Loader) Path() string {
	return l.path
}

// Load reads and validates the file. On failure the previous configuration
// stays current.
func (l *Loader) Load() (*ClimateConfig, error) {
	l.logger.Debug("Loading climate config", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read climate config: %w", err)
	}

	cfg, err := ParseClimate(data)
	if err != nil {
		l.logger.Error("Climate config is invalid",
			zap.String("path", l.path),
			zap.Error(err))
		return nil, fmt.Errorf("failed to parse climate config: %w", err)
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	l.logger.Info("Climate config loaded successfully",
		zap.String("main_ac", cfg.MainAC),
		zap.Int("rooms", len(cfg.Rooms)))
	return cfg, nil
}

// Current returns the last configuration loaded, or nil
func (l *Loader) Current() *ClimateConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}
