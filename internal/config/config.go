package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete scdispatch configuration.
// Values from a config file are overridden by explicitly set flags and environment variables.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Server   ServerConfig `yaml:"server"`
	Client   ClientConfig `yaml:"client"`
}

// ServerConfig configures the HTTP ingress and the supervised child process.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// IDEClass is passed to the child as "-i <IDEClass>".
	IDEClass string       `yaml:"ide_class"`
	Program  string       `yaml:"program"`
	Reader   ReaderConfig `yaml:"reader"`
}

// ReaderConfig tunes how the output reader backs off on read errors.
type ReaderConfig struct {
	MinBackoff           time.Duration `yaml:"min_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
}

// ClientConfig configures the one-shot command client.
type ClientConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	RetryMax int    `yaml:"retry_max"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     5000,
			IDEClass: "scvim",
			Program:  "sclang",
			Reader: ReaderConfig{
				MinBackoff:           10 * time.Millisecond,
				MaxBackoff:           time.Second,
				MaxConsecutiveErrors: 10,
			},
		},
		Client: ClientConfig{
			Host: "http://127.0.0.1",
			Port: 5000,
		},
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode decodes YAML from r on top of the defaults. Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if len(bytes.TrimSpace(b)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// Validate checks the server side of the config.
func (c ServerConfig) Validate() error {
	var errs []error
	if !validPort(c.Port) {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Port))
	}
	if c.Program == "" {
		errs = append(errs, errors.New("server program is empty"))
	}
	if c.Reader.MinBackoff <= 0 || c.Reader.MaxBackoff < c.Reader.MinBackoff {
		errs = append(errs, fmt.Errorf("invalid reader backoff [%s, %s]", c.Reader.MinBackoff, c.Reader.MaxBackoff))
	}
	if c.Reader.MaxConsecutiveErrors <= 0 {
		errs = append(errs, fmt.Errorf("reader max_consecutive_errors must be positive, got %d", c.Reader.MaxConsecutiveErrors))
	}
	return errors.Join(errs...)
}

// Validate checks the client side of the config.
func (c ClientConfig) Validate() error {
	if !validPort(c.Port) {
		return fmt.Errorf("client port %d out of range", c.Port)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("client retry_max must not be negative, got %d", c.RetryMax)
	}
	return nil
}
