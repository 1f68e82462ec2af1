package utils

import (
	"fmt"
	"strings"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string log level. CRITICAL is accepted as an alias
// of ERROR, and WARNING of WARN, so the historical flag values keep working.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR", "CRITICAL":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", level)
	}
}

// Set implements pflag.Value.
func (l *LogLevel) Set(s string) error {
	parsed, err := ParseLogLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Type implements pflag.Value.
func (l *LogLevel) Type() string {
	return "level"
}

// UnmarshalYAML parses the level once at load time.
func (l *LogLevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return l.Set(s)
}

// MarshalYAML writes the level back in its string form.
func (l LogLevel) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}

// ParseLogFormat parses "text" or "json".
func ParseLogFormat(format string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("invalid log format: %s", format)
	}
}

// String returns the string representation of the log format
func (f LogFormat) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "text"
}

// Set implements pflag.Value.
func (f *LogFormat) Set(s string) error {
	parsed, err := ParseLogFormat(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Type implements pflag.Value.
func (f *LogFormat) Type() string {
	return "format"
}

// UnmarshalYAML parses the format once at load time.
func (f *LogFormat) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseLogFormat(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// MarshalYAML writes the format back in its string form.
func (f LogFormat) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}
