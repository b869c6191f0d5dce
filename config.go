package gobox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is where the CLI keeps its configuration.
	DefaultConfigPath = "~/.gobox/config.yaml"

	// ConfigVersion is the configuration format this binary reads.
	ConfigVersion = "v1"
)

// configFs is overridden with afero.NewMemMapFs() in tests.
var configFs = afero.NewOsFs()

// homedirExpand is overridden in tests.
var homedirExpand = homedir.Expand

// Config is the persisted client configuration.
type Config struct {
	Version        string            `yaml:"version,omitempty"`
	Host           string            `yaml:"host"`
	Username       string            `yaml:"username,omitempty"`
	Token          string            `yaml:"token,omitempty"`
	Mode           string            `yaml:"mode,omitempty"`
	QueryTimeout   time.Duration     `yaml:"queryTimeout,omitempty"`
	HandlerWorkers int               `yaml:"handlerWorkers,omitempty"`
	PingInterval   time.Duration     `yaml:"pingInterval,omitempty"`
	CacheTTL       time.Duration     `yaml:"cacheTTL,omitempty"`
	EchoFilter     *bool             `yaml:"echoFilter,omitempty"`
	LogLevel       string            `yaml:"logLevel,omitempty"`
	Proxy          string            `yaml:"proxy,omitempty"`
	URLs           map[string]string `yaml:"urls,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Version:        ConfigVersion,
		Host:           DefaultHost,
		QueryTimeout:   DefaultQueryTimeout,
		HandlerWorkers: DefaultHandlerWorkers,
		PingInterval:   DefaultPingInterval,
		LogLevel:       "info",
	}
}

// ConfigPath expands path, or DefaultConfigPath when path is empty.
func ConfigPath(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	expanded, err := homedirExpand(path)
	if err != nil {
		return "", fmt.Errorf("expand config path: %w", err)
	}
	return expanded, nil
}

// LoadConfig reads the configuration at path. A missing file yields
// DefaultConfig. Unknown fields are an error.
func LoadConfig(path string) (Config, error) {
	path, err := ConfigPath(path)
	if err != nil {
		return Config{}, err
	}
	data, err := afero.ReadFile(configFs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(bytes.NewReader(data))
}

// ParseConfig decodes a YAML configuration over DefaultConfig.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Version != ConfigVersion {
		return Config{}, fmt.Errorf("config version %q is not supported, expected %q", cfg.Version, ConfigVersion)
	}
	return cfg, nil
}

// Save writes the configuration to path, creating its directory. The file
// holds the token, so it is only readable by the owner.
func (c Config) Save(path string) error {
	path, err := ConfigPath(path)
	if err != nil {
		return err
	}
	c.Version = ConfigVersion
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := configFs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := afero.WriteFile(configFs, path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// URLBuilder returns the service URLs of Host with the URLs overrides applied.
func (c Config) URLBuilder() (*URLBuilder, error) {
	host := c.Host
	if host == "" {
		host = DefaultHost
	}
	urls := NewURLBuilder(host)
	if err := urls.Merge(c.URLs); err != nil {
		return nil, err
	}
	return urls, nil
}

// Logger returns a logger at LogLevel.
func (c Config) Logger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(ParseLogLevel(c.LogLevel))
	return logger.WithField("component", "gobox")
}

// Credentials returns credentials for Username and Token resolving their
// URLs with urls.
func (c Config) Credentials(urls *URLBuilder, log *logrus.Entry) *Credentials {
	return NewCredentials(c.Username, c.Token, WithAuthURLs(urls), WithAuthLogger(log))
}

// ClientOptions turns the configuration into client options.
func (c Config) ClientOptions(urls *URLBuilder, log *logrus.Entry) ([]ClientOption, error) {
	if _, err := ParseConnectionMode(c.Mode); err != nil {
		return nil, err
	}

	var dispOpts []DispatcherOption
	dispOpts = append(dispOpts, WithQueryTimeout(c.QueryTimeout))
	if c.HandlerWorkers > 0 {
		dispOpts = append(dispOpts, WithHandlerWorkers(c.HandlerWorkers))
	}

	wsOpts := []WebSocketOption{WithPingInterval(c.PingInterval)}
	if c.Proxy != "" {
		proxy, err := url.Parse(c.Proxy)
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}
		wsOpts = append(wsOpts, WithProxy(proxy))
	}

	opts := []ClientOption{
		WithLogger(log),
		WithURLBuilder(urls),
		WithDispatcherOptions(dispOpts...),
		WithWebSocketOptions(wsOpts...),
		WithFileCache(NewFileCache(c.CacheTTL)),
	}
	if c.EchoFilter != nil {
		opts = append(opts, WithEchoFilter(*c.EchoFilter))
	}
	return opts, nil
}

// String redacts the token to prevent accidental credential leaks in logs.
func (c Config) String() string {
	token := ""
	if c.Token != "" {
		token = "[REDACTED]"
	}
	return fmt.Sprintf("Config{Host:%s, Username:%s, Token:%s, Mode:%s}", c.Host, c.Username, token, c.Mode)
}
