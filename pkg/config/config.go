package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".prepost"
	configFile string = "config.yml"

	// EnvConfig overrides the location of the configuration file.
	EnvConfig = "PREPOST_CONFIG"
	// EnvBefore holds the path of the artifact produced without the
	// transformation pass.
	EnvBefore = "dex_pre"
	// EnvAfter holds the path of the artifact produced with the
	// transformation pass.
	EnvAfter = "dex_post"

	// DefaultStringCacheSize is the number of decoded strings a parsing
	// context keeps.
	DefaultStringCacheSize = 4096
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Before is the path of the artifact built without the pass.
	Before string `yaml:"before,omitempty"`
	// After is the path of the artifact built with the pass.
	After string `yaml:"after,omitempty"`
	// Cases is the default case table file used by 'prepost verify'.
	Cases string `yaml:"cases,omitempty"`
	// Color is one of "auto", "always" or "never".
	Color string `yaml:"color,omitempty"`
	// StringCacheSize bounds the string cache of a parsing context.
	StringCacheSize int `yaml:"string-cache-size,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{Color: "auto", StringCacheSize: DefaultStringCacheSize}
}

// LoadConfig reads the configuration file named by $PREPOST_CONFIG, or
// ~/.prepost/config.yml, and applies the environment overrides. A missing
// file is not an error.
func LoadConfig() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		var err error
		path, err = GetConfigFilePath(configFile)
		if err != nil {
			return nil, err
		}
	}
	c, err := LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	c.ApplyEnv(os.Getenv)
	return c, nil
}

// LoadConfigFile reads the configuration at path on top of the defaults.
func LoadConfigFile(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("unable to read config file: %v", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %v", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %v", path, err)
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("color must be auto, always or never, not %q", c.Color)
	}
	if c.StringCacheSize <= 0 {
		return fmt.Errorf("string-cache-size must be positive")
	}
	return nil
}

// ApplyEnv overrides the artifact paths with the dex_pre and dex_post
// environment variables, when set.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvBefore); v != "" {
		c.Before = v
	}
	if v := getenv(EnvAfter); v != "" {
		c.After = v
	}
}

// Write marshals conf as YAML to w.
func Write(w io.Writer, conf *Config) error {
	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// WriteDefaultConfig writes a commented default configuration file.
func WriteDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for prepost.

# Artifacts built without and with the transformation pass. The dex_pre
# and dex_post environment variables override these.
# before: out/pre.dex
# after: out/post.dex

# Case table used when 'prepost verify' is run without arguments.
# cases: verify/simplify_string.star

# Colorize reports: auto, always or never.
color: auto

# Number of decoded strings kept per loaded artifact.
string-cache-size: 4096
`)
	return err
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
