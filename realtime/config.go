package realtime

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// file configuration for embedding apps and the syncmon tool. component
// settings structs stay the source of truth; the file only overrides
// what it names.
type Config struct {
	ApiUrl     string `yaml:"api_url"`
	ChannelUrl string `yaml:"channel_url"`
	AppVersion string `yaml:"app_version"`

	Channel    ChannelConfig    `yaml:"channel"`
	Optimistic OptimisticConfig `yaml:"optimistic"`
}

type ChannelConfig struct {
	HandshakeTimeout    ConfigDuration `yaml:"handshake_timeout"`
	AuthTimeout         ConfigDuration `yaml:"auth_timeout"`
	ReconnectMinTimeout ConfigDuration `yaml:"reconnect_min_timeout"`
	ReconnectMaxTimeout ConfigDuration `yaml:"reconnect_max_timeout"`
	PingTimeout         ConfigDuration `yaml:"ping_timeout"`
	ReadTimeout         ConfigDuration `yaml:"read_timeout"`
	WriteTimeout        ConfigDuration `yaml:"write_timeout"`
}

type OptimisticConfig struct {
	ConfirmTimeout ConfigDuration `yaml:"confirm_timeout"`
}

// duration parsed from the usual "250ms"/"10s" notation
type ConfigDuration time.Duration

func (self *ConfigDuration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*self = ConfigDuration(d)
	return nil
}

func (self ConfigDuration) Duration() time.Duration {
	return time.Duration(self)
}

// reads configuration from a yaml file, expanding environment variables
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &config, nil
}

func (self *Config) ChannelClientSettings() *ChannelClientSettings {
	settings := DefaultChannelClientSettings()
	settings.AppVersion = self.AppVersion
	if 0 < self.Channel.HandshakeTimeout {
		settings.WsHandshakeTimeout = self.Channel.HandshakeTimeout.Duration()
	}
	if 0 < self.Channel.AuthTimeout {
		settings.AuthTimeout = self.Channel.AuthTimeout.Duration()
	}
	if 0 < self.Channel.ReconnectMinTimeout {
		settings.ReconnectMinTimeout = self.Channel.ReconnectMinTimeout.Duration()
	}
	if 0 < self.Channel.ReconnectMaxTimeout {
		settings.ReconnectMaxTimeout = self.Channel.ReconnectMaxTimeout.Duration()
	}
	if 0 < self.Channel.PingTimeout {
		settings.PingTimeout = self.Channel.PingTimeout.Duration()
	}
	if 0 < self.Channel.ReadTimeout {
		settings.ReadTimeout = self.Channel.ReadTimeout.Duration()
	}
	if 0 < self.Channel.WriteTimeout {
		settings.WriteTimeout = self.Channel.WriteTimeout.Duration()
	}
	return settings
}

func (self *Config) OptimisticTrackerSettings() *OptimisticTrackerSettings {
	settings := DefaultOptimisticTrackerSettings()
	if 0 < self.Optimistic.ConfirmTimeout {
		settings.ConfirmTimeout = self.Optimistic.ConfirmTimeout.Duration()
	}
	return settings
}
