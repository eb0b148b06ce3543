package logi

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger zerolog.Logger
	once   sync.Once
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Config holds the logging configuration
type Config struct {
	// Level is the minimum log level to write ("debug", "info", ...)
	// Default: info
	Level string
	// LogDir, when set, sends logs to LogDir/LogFileName instead of stdout.
	// If the directory is not writable the logger falls back to stdout.
	LogDir string
	// LogFileName is the name of the log file
	// Default: collector.log
	LogFileName string
	// Writer overrides both stdout and LogDir. Mostly useful in tests.
	Writer io.Writer
}

// NewLog initializes the process-wide logger. Only the first call has any
// effect; later calls return the logger built by the first one.
func NewLog(cfg *Config) (zerolog.Logger, error) {
	var initErr error

	once.Do(func() {
		if cfg == nil {
			cfg = &Config{}
		}

		level := zerolog.InfoLevel
		if cfg.Level != "" {
			parsed, err := zerolog.ParseLevel(cfg.Level)
			if err != nil {
				initErr = fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
				return
			}
			level = parsed
		}

		out, logPath, err := openOutput(cfg)
		if err != nil {
			initErr = err
			return
		}

		logger = zerolog.New(out).Level(level).With().Timestamp().Logger()

		logger.Info().
			Str("log_path", logPath).
			Str("level", level.String()).
			Msg("logger initialized")
	})

	if initErr != nil {
		return zerolog.Nop(), initErr
	}

	return logger, nil
}

// GetLogger returns the process-wide logger. Before NewLog is called it
// writes JSON to stderr at the default level.
func GetLogger() zerolog.Logger {
	return logger
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

func openOutput(cfg *Config) (io.Writer, string, error) {
	if cfg.Writer != nil {
		return cfg.Writer, "custom", nil
	}

	if cfg.LogDir == "" || !isDirWritable(cfg.LogDir) {
		return os.Stdout, "stdout", nil
	}

	if cfg.LogFileName == "" {
		cfg.LogFileName = "collector.log"
	}

	logPath := filepath.Join(cfg.LogDir, cfg.LogFileName)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	return file, logPath, nil
}

// isDirWritable checks if a directory is writable
func isDirWritable(path string) bool {
	if err := os.MkdirAll(path, 0755); err != nil {
		return false
	}

	testFile := filepath.Join(path, ".write_test")
	file, err := os.OpenFile(testFile, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false
	}
	file.Close()
	os.Remove(testFile)
	return true
}
