package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Config selects the level, format and destination of a Logger. Unknown
// levels fall back to info.
type Config struct {
	Level string
	// Format is json or text ("console" is accepted for text).
	Format string
	// Output is stdout, stderr, discard or a file path appended to.
	Output string
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: "stderr",
	}
}

// NewLogger creates a new logger with the given configuration.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	format := strings.ToLower(cfg.Format)
	switch format {
	case "", FormatJSON:
		format = FormatJSON
	case FormatText, "console":
		format = FormatText
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	output, err := getOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	l := New(parseLevel(cfg.Level), output)
	l.format = format
	return l, nil
}

// parseLevel converts a string log level to LogLevel.
func parseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel
	case "INFO":
		return InfoLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	case "FATAL":
		return FatalLevel
	default:
		return InfoLevel
	}
}

func getOutput(output string) (io.Writer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil
	case "", "stderr":
		return os.Stderr, nil
	case "discard":
		return io.Discard, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}
	return file, nil
}
