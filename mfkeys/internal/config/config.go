package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValidationMode int

const (
	ValidationCheckKeys ValidationMode = iota
	ValidationNested
	ValidationDiag
)

type Config struct {
	Card       CardConfig       `yaml:"card"`
	Dictionary DictionaryConfig `yaml:"dictionary"`
	Nested     NestedConfig     `yaml:"nested"`
	Diag       DiagConfig       `yaml:"diag"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
}

type CardConfig struct {
	Sectors *int `yaml:"sectors"`
}

type DictionaryConfig struct {
	Files     []string `yaml:"files"`
	Dir       string   `yaml:"dir"`
	StoreFile string   `yaml:"store_file"`
	ChunkSize *int     `yaml:"chunk_size"`
	Strategy  *int     `yaml:"strategy"`
	// SkipDefaults leaves the built-in default keys out of the search.
	SkipDefaults bool `yaml:"skip_defaults"`
}

type NestedConfig struct {
	KnownBlock    *int   `yaml:"known_block"`
	KnownKeyType  string `yaml:"known_key_type"`
	KnownKey      string `yaml:"known_key"`
	TargetBlock   *int   `yaml:"target_block"`
	TargetKeyType string `yaml:"target_key_type"`
	Slow          bool   `yaml:"slow"`
}

type DiagConfig struct {
	Key string `yaml:"key"`
}

type RuntimeConfig struct {
	ReaderIndex  *int `yaml:"reader_index"`
	SelectReader bool `yaml:"select_reader"`
}

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationCheckKeys)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationCheckKeys)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateCommon(); err != nil {
		return err
	}

	switch mode {
	case ValidationCheckKeys:
		return c.validateCheckKeysMode()
	case ValidationNested:
		return c.validateNestedMode()
	case ValidationDiag:
		return c.validateDiagMode()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateCommon() error {
	if c.Runtime.ReaderIndex == nil && !c.Runtime.SelectReader {
		return fmt.Errorf("config.runtime.reader_index is required unless runtime.select_reader is set")
	}
	if c.Runtime.ReaderIndex != nil && *c.Runtime.ReaderIndex < 0 {
		return fmt.Errorf("config.runtime.reader_index must be >= 0")
	}
	if c.Card.Sectors == nil {
		return fmt.Errorf("config.card.sectors is required")
	}
	if *c.Card.Sectors < 1 || *c.Card.Sectors > 40 {
		return fmt.Errorf("config.card.sectors must be 1..40")
	}
	return nil
}

func (c *Config) validateCheckKeysMode() error {
	d := c.Dictionary
	if d.ChunkSize == nil {
		return fmt.Errorf("config.dictionary.chunk_size is required")
	}
	if *d.ChunkSize < 1 || *d.ChunkSize > 255 {
		return fmt.Errorf("config.dictionary.chunk_size must be 1..255")
	}
	if d.Strategy == nil {
		return fmt.Errorf("config.dictionary.strategy is required")
	}
	if *d.Strategy != 1 && *d.Strategy != 2 {
		return fmt.Errorf("config.dictionary.strategy must be 1 (depth-first) or 2 (breadth-first)")
	}
	if d.SkipDefaults && len(d.Files) == 0 && strings.TrimSpace(d.Dir) == "" && strings.TrimSpace(d.StoreFile) == "" {
		return fmt.Errorf("config.dictionary has no keys: skip_defaults is set and no files, dir or store_file given")
	}
	for i, f := range d.Files {
		if err := validateReadableFile(f, fmt.Sprintf("config.dictionary.files[%d]", i)); err != nil {
			return err
		}
	}
	if strings.TrimSpace(d.Dir) != "" {
		info, err := os.Stat(d.Dir)
		if err != nil {
			return fmt.Errorf("config.dictionary.dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("config.dictionary.dir must point to a directory")
		}
	}
	if strings.TrimSpace(d.StoreFile) != "" {
		if err := validateReadableFile(d.StoreFile, "config.dictionary.store_file"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateNestedMode() error {
	n := c.Nested
	if n.KnownBlock == nil {
		return fmt.Errorf("config.nested.known_block is required")
	}
	if *n.KnownBlock < 0 || *n.KnownBlock > 255 {
		return fmt.Errorf("config.nested.known_block must be 0..255")
	}
	if err := validateKeyType(n.KnownKeyType, "config.nested.known_key_type"); err != nil {
		return err
	}
	if err := validateHexKey(n.KnownKey, "config.nested.known_key"); err != nil {
		return err
	}
	if n.TargetBlock == nil {
		return fmt.Errorf("config.nested.target_block is required")
	}
	if *n.TargetBlock < 0 || *n.TargetBlock > 255 {
		return fmt.Errorf("config.nested.target_block must be 0..255")
	}
	return validateKeyType(n.TargetKeyType, "config.nested.target_key_type")
}

func (c *Config) validateDiagMode() error {
	return validateHexKey(c.Diag.Key, "config.diag.key")
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	for i, f := range c.Dictionary.Files {
		c.Dictionary.Files[i] = resolvePath(configDir, f)
	}
	c.Dictionary.Dir = resolvePath(configDir, c.Dictionary.Dir)
	c.Dictionary.StoreFile = resolvePath(configDir, c.Dictionary.StoreFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

func validateKeyType(s string, field string) error {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A", "B":
		return nil
	case "":
		return fmt.Errorf("%s is required", field)
	}
	return fmt.Errorf("%s must be A or B", field)
}

func validateHexKey(s string, field string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(s) != 12 {
		return fmt.Errorf("%s must be 12 hex chars", field)
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return fmt.Errorf("%s must be 12 hex chars", field)
		}
	}
	return nil
}
