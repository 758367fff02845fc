// Package config loads .env files and sets up logging.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables read by the command line, all optional.
const (
	EnvInputCRS   = "GEOTERMINAL_INPUT_CRS"
	EnvMaskCRS    = "GEOTERMINAL_MASK_CRS"
	EnvDuckDBPath = "GEOTERMINAL_DUCKDB_PATH"
	EnvFlightAddr = "GEOTERMINAL_FLIGHT_ADDR"
	EnvAPIPort    = "GEOTERMINAL_API_PORT"
	EnvLogLevel   = "GEOTERMINAL_LOG_LEVEL"
	EnvLogFormat  = "GEOTERMINAL_LOG_FORMAT"
)

// LoadEnv reads the given .env files, or ".env" when none are given.
// Missing files are skipped and variables already set are kept.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Debug("No env file", "path", path)
				continue
			}
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		slog.Debug("Loaded env file", "path", path)
	}
	return nil
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q: must be 'debug', 'info', 'warn', or 'error'", level)
}

// NewLogger builds a text or json logger writing to w.
func NewLogger(w io.Writer, level string, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q: must be 'text' or 'json'", format)
}
