// Package config loads the server's listen address, PSK, and
// obfuscation settings from an optional INI file merged with
// command-line flags.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

const (
	defaultObfsHost = "www.bing.com"
	iniSection      = "snell-server"
)

// File holds the values read from the `[snell-server]` section of an
// INI file. Any field left empty was absent from the file.
type File struct {
	Listen   string
	PSK      string
	Obfs     string
	ObfsHost string
}

// Config is the fully resolved server configuration: file values
// overlaid with built-in defaults, then flag values overlaid on top.
type Config struct {
	ListenAddr  string
	PSK         string
	Obfs        string
	ObfsHost    string
	LogLevel    string
	MetricsAddr string
	DNSServer   string
}

// LoadFile parses path as an INI file with a single `[snell-server]`
// section of `key = value` lines. Blank lines, `#`/`;`-prefixed
// comments, and other sections are ignored rather than rejected, since
// nothing in this module's scope needs more than one section.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	file := &File{}
	inSection := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			inSection = strings.TrimSpace(line[1:len(line)-1]) == iniSection
			continue
		}
		if !inSection {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: malformed line %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "listen":
			file.Listen = value
		case "psk":
			file.PSK = value
		case "obfs":
			file.Obfs = value
		case "obfs-host":
			file.ObfsHost = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return file, nil
}

// Flags is the subset of command-line flags that can override file
// values; an empty string means "not given on the command line."
type Flags struct {
	Listen      string
	PSK         string
	Obfs        string
	ObfsHost    string
	LogLevel    string
	MetricsAddr string
	DNSServer   string
}

// Merge overlays file values with built-in defaults, then flags on top
// of that, and validates the result.
func Merge(file *File, flags Flags) (Config, error) {
	cfg := Config{
		ListenAddr:  firstNonEmpty(flags.Listen, file.Listen),
		PSK:         firstNonEmpty(flags.PSK, file.PSK),
		Obfs:        firstNonEmpty(flags.Obfs, file.Obfs),
		ObfsHost:    firstNonEmpty(flags.ObfsHost, file.ObfsHost, defaultObfsHost),
		LogLevel:    firstNonEmpty(flags.LogLevel, "info"),
		MetricsAddr: flags.MetricsAddr,
		DNSServer:   flags.DNSServer,
	}

	if cfg.ListenAddr == "" {
		return Config{}, fmt.Errorf("config: listen address is required")
	}
	if cfg.PSK == "" {
		return Config{}, fmt.Errorf("config: psk is required")
	}
	switch cfg.Obfs {
	case "", "http", "tls":
	default:
		cfg.Obfs = ""
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
