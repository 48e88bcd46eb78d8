package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".cdpbridge"
	configFile string = "config.yml"
)

// Defaults used when neither the config file nor the command line set a
// value.
const (
	DefaultListen           = "127.0.0.1:6080"
	DefaultPreviewCacheSize = 256
	DefaultStackTraceDepth  = 50
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Target is the websocket URL of the target's debugger endpoint
	// (ws://host:port/devtools/page/<id>) or the HTTP discovery endpoint
	// (http://host:port), in which case the first page target is used.
	Target string `yaml:"target,omitempty"`

	// Listen is the address the client-facing server listens on.
	Listen string `yaml:"listen,omitempty"`

	// PreviewCacheSize is the number of receiver previews kept per session.
	PreviewCacheSize *int `yaml:"preview-cache-size,omitempty"`

	// StackTraceDepth is the maximum number of frames returned to DAP
	// clients when they do not ask for a specific number.
	StackTraceDepth *int `yaml:"stack-trace-depth,omitempty"`

	// IgnoreURLs lists script URLs whose script-parsed notifications are
	// dropped in addition to the built-in ones.
	IgnoreURLs []string `yaml:"ignore-urls"`
}

// GetPreviewCacheSize returns the configured preview cache size or the default.
func (c *Config) GetPreviewCacheSize() int {
	if c.PreviewCacheSize == nil || *c.PreviewCacheSize <= 0 {
		return DefaultPreviewCacheSize
	}
	return *c.PreviewCacheSize
}

// GetStackTraceDepth returns the configured stack trace depth or the default.
func (c *Config) GetStackTraceDepth() int {
	if c.StackTraceDepth == nil || *c.StackTraceDepth <= 0 {
		return DefaultStackTraceDepth
	}
	return *c.StackTraceDepth
}

// GetListen returns the configured listen address or the default.
func (c *Config) GetListen() string {
	if c.Listen == "" {
		return DefaultListen
	}
	return c.Listen
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		f, err := os.Create(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
		err = writeDefaultConfig(f)
		f.Close()
		if err != nil {
			fmt.Printf("Unable to write default configuration: %v", err)
			return &Config{}
		}
	}

	c, err := LoadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile decodes the config file at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for cdpbridge.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Debugger endpoint of the target, either a websocket URL or the HTTP
# discovery endpoint of the browser.
# target: http://127.0.0.1:9222

# Address the client-facing server listens on.
# listen: 127.0.0.1:6080

# Number of receiver previews cached per session.
# preview-cache-size: 256

# Maximum number of stack frames returned to DAP clients.
# stack-trace-depth: 50

# Script URLs to hide from clients.
ignore-urls:
  # - "chrome-extension://"
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv("CDPBRIDGE_CONFIG_DIR"); dir != "" {
		return path.Join(dir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
