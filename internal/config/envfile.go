package config

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
)

// loadEnvFiles seeds the environment from .env.local and .env before Load
// reads DATABASE_URL, REDIS_URL, CATALOG_DIR and the other STREAMKEEPER
// settings. Files are searched next to the working directory and next to the
// executable; variables already present in the environment always win, so an
// operator export beats anything checked in.
func loadEnvFiles() {
	var dirs []string
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if exe, err := os.Executable(); err == nil {
		if dir := filepath.Dir(exe); dir != "" {
			dirs = append(dirs, dir)
		}
	}
	for _, dir := range dirs {
		for _, name := range []string{".env.local", ".env"} {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			applyEnvFile(data)
		}
	}
}

// applyEnvFile parses KEY=value lines, ignoring comments and blanks and
// stripping one layer of quotes, and sets each key that is not already set.
func applyEnvFile(data []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key != "" && os.Getenv(key) == "" {
			_ = os.Setenv(key, value)
		}
	}
}
