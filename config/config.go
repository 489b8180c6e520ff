// Package config loads cmdcast settings from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/guseggert/cmdcast/internal/files"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked for when none is given explicitly.
const FileName = "cmdcast.yaml"

const (
	DefaultCommand      = "top -b"
	DefaultAddr         = "127.0.0.1:8080"
	DefaultShell        = "sh"
	DefaultHistoryLines = 1000
	DefaultRestartDelay = 10 * time.Second
	DefaultLogLevel     = "info"
)

type Config struct {
	// Command is run with Shell -c.
	Command string `yaml:"command"`
	// Addr is the address viewers connect to.
	Addr string `yaml:"addr"`

	Shell             string        `yaml:"shell,omitempty"`
	HistoryLines      int           `yaml:"historyLines,omitempty"`
	RestartDelay      time.Duration `yaml:"restartDelay,omitempty"`
	RetrySpawnFailure bool          `yaml:"retrySpawnFailure,omitempty"`

	TLSCert string `yaml:"tlsCert,omitempty"`
	TLSKey  string `yaml:"tlsKey,omitempty"`

	// MaxClients caps concurrent viewers, 0 means unlimited.
	MaxClients int `yaml:"maxClients,omitempty"`
	// JoinRate is the number of viewer joins allowed per second, 0 means unlimited.
	JoinRate  float64 `yaml:"joinRate,omitempty"`
	JoinBurst int     `yaml:"joinBurst,omitempty"`

	Metrics  bool   `yaml:"metrics,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`
}

func Default() *Config {
	return &Config{
		Command:      DefaultCommand,
		Addr:         DefaultAddr,
		Shell:        DefaultShell,
		HistoryLines: DefaultHistoryLines,
		RestartDelay: DefaultRestartDelay,
		JoinBurst:    1,
		Metrics:      true,
		LogLevel:     DefaultLogLevel,
	}
}

// Load reads the config at path on top of Default(). Unknown keys are an error.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err = dec.Decode(cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

// Find looks for FileName in dir and its parents, returning "" if there is none.
func Find(dir string) (string, error) {
	return files.FindUp(FileName, dir)
}

func (c *Config) Validate() error {
	if c.Command == "" {
		return errors.New("command must not be empty")
	}
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.Shell == "" {
		return errors.New("shell must not be empty")
	}
	if c.HistoryLines < 1 {
		return fmt.Errorf("historyLines must be at least 1, got %d", c.HistoryLines)
	}
	if c.RestartDelay < 0 {
		return fmt.Errorf("restartDelay must not be negative, got %s", c.RestartDelay)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("maxClients must not be negative, got %d", c.MaxClients)
	}
	if c.JoinRate < 0 {
		return fmt.Errorf("joinRate must not be negative, got %v", c.JoinRate)
	}
	if c.JoinRate > 0 && c.JoinBurst < 1 {
		return fmt.Errorf("joinBurst must be at least 1 when joinRate is set, got %d", c.JoinBurst)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tlsCert and tlsKey must be set together")
	}
	_, err := c.Level()
	return err
}

func (c *Config) Level() (zapcore.Level, error) {
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return l, fmt.Errorf("parsing logLevel: %w", err)
	}
	return l, nil
}
