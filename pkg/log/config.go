package log

import (
	"fmt"
	"strings"
)

// Config is a declarative logger description.
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	// Outputs lists sinks: "console", "null" or "file:/path/to/file".
	// An empty list means console.
	Outputs []string `json:"outputs" yaml:"outputs"`
	// RedactKeys replaces the values of these field keys with [REDACTED].
	RedactKeys []string `json:"redactKeys" yaml:"redactKeys"`
	// SampleInitial/SampleThereafter enable per-message sampling when
	// SampleThereafter > 0.
	SampleInitial    int `json:"sampleInitial" yaml:"sampleInitial"`
	SampleThereafter int `json:"sampleThereafter" yaml:"sampleThereafter"`
}

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{}
	case "json":
		formatter = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	opts := []LoggerOption{
		WithLevel(level),
		WithFormatter(formatter),
		WithRedactedKeys(cfg.RedactKeys...),
		WithSampling(cfg.SampleInitial, cfg.SampleThereafter),
	}
	for _, sink := range cfg.Outputs {
		switch {
		case sink == "console":
			opts = append(opts, WithOutput(NewConsoleOutput()))
		case sink == "null":
			opts = append(opts, WithOutput(NewNullOutput()))
		case strings.HasPrefix(sink, "file:"):
			out, err := NewFileOutput(strings.TrimPrefix(sink, "file:"))
			if err != nil {
				return nil, fmt.Errorf("log output %q: %w", sink, err)
			}
			opts = append(opts, WithOutput(out))
		default:
			return nil, fmt.Errorf("unknown log output %q", sink)
		}
	}

	return NewLogger(opts...), nil
}
