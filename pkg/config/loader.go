package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Common errors for configuration loading/saving.
var (
	ErrFileNotFound     = errors.New("configuration file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidJSON      = errors.New("invalid JSON syntax")
	ErrInvalidYAML      = errors.New("invalid YAML syntax")
	ErrEmptyFile        = errors.New("configuration file is empty")
)

// LoadFromFile reads a SidecarConfiguration from a JSON or YAML file.
// The format is auto-detected based on file extension (.yaml, .yml for YAML,
// otherwise JSON). Returns wrapped errors for common failure cases.
func LoadFromFile(path string) (*SidecarConfiguration, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", path)
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		return ParseYAML(data)
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("%w in file: %s", ErrInvalidJSON, path)
	}

	return ParseJSON(data)
}

// SaveToFile writes a SidecarConfiguration to a file using atomic rename.
// The format is determined by file extension (.yaml, .yml for YAML, otherwise
// JSON). Creates parent directories if they don't exist.
func SaveToFile(path string, cfg *SidecarConfiguration) error {
	if cfg == nil {
		return errors.New("configuration cannot be nil")
	}

	ext := strings.ToLower(filepath.Ext(path))
	var data []byte
	var err error

	if ext == ".yaml" || ext == ".yml" {
		data, err = ToYAML(cfg)
	} else {
		data, err = ToJSON(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to temporary file first (atomic write pattern)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}

// ParseJSON parses JSON bytes into a SidecarConfiguration with validation.
func ParseJSON(data []byte) (*SidecarConfiguration, error) {
	var cfg SidecarConfiguration

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

// ParseYAML parses YAML bytes into a SidecarConfiguration with validation.
func ParseYAML(data []byte) (*SidecarConfiguration, error) {
	var cfg SidecarConfiguration

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

// ToJSON marshals a SidecarConfiguration to formatted JSON bytes.
func ToJSON(cfg *SidecarConfiguration) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("configuration cannot be nil")
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to JSON: %w", err)
	}

	// Trailing newline for better file formatting
	data = append(data, '\n')

	return data, nil
}

// ToYAML marshals a SidecarConfiguration to YAML bytes.
func ToYAML(cfg *SidecarConfiguration) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("configuration cannot be nil")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to YAML: %w", err)
	}

	return data, nil
}
