// Package config loads the single INI configuration file shared by every
// homeflux service and owns the process-surface conventions (log file from
// argv, exit codes).
package config

import (
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/ini.v1"
)

// DefaultPath is where every service looks for its configuration unless the
// HOMEFLUX_CONFIG environment variable points somewhere else.
const DefaultPath = "/etc/homeflux.ini"

// Exit codes. ExitDataErr distinguishes missing credentials and bad
// configuration from generic failures so that supervision can tell the two
// apart.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitDataErr = 65
)

// Config wraps the parsed INI file.
type Config struct {
	file *ini.File
	// loaded names the sections holding at least one key in the file.
	loaded map[string]bool
}

// Load parses the configuration file at path.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	loaded := make(map[string]bool)
	for _, section := range file.Sections() {
		if len(section.Keys()) > 0 {
			loaded[section.Name()] = true
		}
	}
	return &Config{file: file, loaded: loaded}, nil
}

// Path returns the configuration file path for this process.
func Path() string {
	if path := os.Getenv("HOMEFLUX_CONFIG"); path != "" {
		return path
	}
	return DefaultPath
}

// Section returns the named section. Missing sections resolve to an empty
// section so that callers fall back on their defaults.
func (c *Config) Section(name string) *ini.Section {
	return c.file.Section(name)
}

// HasSection reports whether the section exists with at least one key in
// the loaded file. Sections and keys created afterwards by Section or Key
// lookups do not count.
func (c *Config) HasSection(name string) bool {
	return c.loaded[name]
}

// MustString returns the key value or exits with the data-error code. Used
// for credentials and device identifiers without which a service cannot run.
func MustString(section *ini.Section, key string) string {
	value := section.Key(key).String()
	if value == "" {
		log.Printf("missing required configuration %s.%s", section.Name(), key)
		os.Exit(ExitDataErr)
	}
	return value
}

// Init redirects the default logger to the log file given as the first
// command line argument and loads the configuration. Every service calls it
// first thing in main.
func Init() *Config {
	if len(os.Args) > 1 {
		file, err := os.OpenFile(os.Args[1],
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file %s: %v\n", os.Args[1], err)
			os.Exit(ExitFailure)
		}
		log.SetOutput(io.MultiWriter(file, os.Stderr))
	}
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	cfg, err := Load(Path())
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(ExitDataErr)
	}
	return cfg
}
