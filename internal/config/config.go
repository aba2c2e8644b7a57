// Package config resolves the proxy's runtime configuration from an
// optional YAML file layered under CLI flag overrides, flags always
// winning.
package config

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/proxyrecorder/proxy/internal/logging"
)

const (
	defaultPort             = 8080
	defaultRecordingsDir    = "./recordings"
	defaultTimeoutMs        = 120000
	minPort                 = 1025
	maxPort                 = 65535
)

// File is the shape of an optional --config YAML document.
type File struct {
	Targets          []string `yaml:"targets"`
	Port             int      `yaml:"port"`
	RecordingsDir    string   `yaml:"recordingsDir"`
	DefaultTimeoutMs int      `yaml:"defaultTimeoutMs"`
	LogFormat        string   `yaml:"logFormat"`
	LogLevel         string   `yaml:"logLevel"`
}

// ReadFile loads and parses a YAML config file.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &f, nil
}

// Overrides carries CLI flag values; the *Set fields distinguish "flag not
// passed" from "flag passed with the zero value".
type Overrides struct {
	Targets []string

	Port    int
	PortSet bool

	RecordingsDir    string
	RecordingsDirSet bool

	DefaultTimeoutMs    int
	DefaultTimeoutMsSet bool

	LogFormat    string
	LogFormatSet bool

	LogLevel    string
	LogLevelSet bool
}

// Config is the fully resolved, validated configuration the engine and its
// components are constructed from.
type Config struct {
	Targets          []*url.URL
	Port             int
	RecordingsDir    string
	DefaultTimeoutMs int
	LogFormat        logging.Format
	LogLevel         logging.Level
}

// Resolve layers overrides (CLI flags) over an optional file, validates the
// result, and parses target URLs.
func Resolve(file *File, overrides Overrides) (*Config, error) {
	targetStrs := overrides.Targets
	if len(targetStrs) == 0 && file != nil {
		targetStrs = file.Targets
	}
	if len(targetStrs) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}

	targets := make([]*url.URL, 0, len(targetStrs))
	for _, t := range targetStrs {
		u, err := url.Parse(t)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", t, err)
		}
		targets = append(targets, u)
	}

	port := defaultPort
	if file != nil && file.Port != 0 {
		port = file.Port
	}
	if overrides.PortSet {
		port = overrides.Port
	}
	if port < minPort || port > maxPort {
		return nil, fmt.Errorf("port must be between %d and %d, got %d", minPort, maxPort, port)
	}

	recordingsDir := defaultRecordingsDir
	if file != nil && file.RecordingsDir != "" {
		recordingsDir = file.RecordingsDir
	}
	if overrides.RecordingsDirSet {
		recordingsDir = overrides.RecordingsDir
	}

	timeoutMs := defaultTimeoutMs
	if file != nil && file.DefaultTimeoutMs != 0 {
		timeoutMs = file.DefaultTimeoutMs
	}
	if overrides.DefaultTimeoutMsSet {
		timeoutMs = overrides.DefaultTimeoutMs
	}

	logFormat := logging.FormatText
	if file != nil && file.LogFormat != "" {
		logFormat = logging.ParseFormat(file.LogFormat)
	}
	if overrides.LogFormatSet {
		logFormat = logging.ParseFormat(overrides.LogFormat)
	}

	logLevel := logging.LevelInfo
	if file != nil && file.LogLevel != "" {
		logLevel = logging.ParseLevel(file.LogLevel)
	}
	if overrides.LogLevelSet {
		logLevel = logging.ParseLevel(overrides.LogLevel)
	}

	return &Config{
		Targets:          targets,
		Port:             port,
		RecordingsDir:    recordingsDir,
		DefaultTimeoutMs: timeoutMs,
		LogFormat:        logFormat,
		LogLevel:         logLevel,
	}, nil
}
