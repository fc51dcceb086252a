// Package config loads the pandavoip daemon configuration.
//
// A configuration file (YAML, TOML or JSON, chosen by extension) is read on
// top of the defaults, PANDAVOIP_* environment variables override single
// fields, and the result is validated before any listener starts.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/presbrey/pandavoip/voip"
)

// Defaults.
const (
	DefaultHost         = "0.0.0.0"
	DefaultServerName   = voip.DefaultServerName
	DefaultCommandPort  = 50039
	DefaultVoicePort    = 50038
	DefaultWriteTimeout = voip.DefaultWriteTimeout
	DefaultVoiceWorkers = voip.DefaultVoiceWorkers
	DefaultVoiceQueue   = voip.DefaultVoiceQueueSize
	DefaultAdminHost    = "127.0.0.1"
	DefaultAdminPort    = 7070
	DefaultLogLevel     = "info"
)

// Duration is a time.Duration written as "5s" in every config format.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the daemon configuration.
type Config struct {
	Server struct {
		Name        string `yaml:"name" toml:"name" json:"name" env:"PANDAVOIP_SERVER_NAME" validate:"required"`
		Host        string `yaml:"host" toml:"host" json:"host" env:"PANDAVOIP_HOST" validate:"omitempty,ip"`
		CommandPort int    `yaml:"command_port" toml:"command_port" json:"command_port" env:"PANDAVOIP_COMMAND_PORT" validate:"min=1,max=65535"`
		VoicePort   int    `yaml:"voice_port" toml:"voice_port" json:"voice_port" env:"PANDAVOIP_VOICE_PORT" validate:"min=1,max=65535"`
	} `yaml:"server" toml:"server" json:"server"`

	TLS struct {
		Cert         string `yaml:"cert" toml:"cert" json:"cert" env:"PANDAVOIP_TLS_CERT" validate:"required_with=Key,omitempty,file"`
		Key          string `yaml:"key" toml:"key" json:"key" env:"PANDAVOIP_TLS_KEY" validate:"required_with=Cert,omitempty,file"`
		AutoGenerate bool   `yaml:"auto_generate" toml:"auto_generate" json:"auto_generate" env:"PANDAVOIP_TLS_AUTO_GENERATE"`
		SaveCert     string `yaml:"save_cert" toml:"save_cert" json:"save_cert" env:"PANDAVOIP_TLS_SAVE_CERT"`
		SaveKey      string `yaml:"save_key" toml:"save_key" json:"save_key" env:"PANDAVOIP_TLS_SAVE_KEY"`
	} `yaml:"tls" toml:"tls" json:"tls"`

	Control struct {
		WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout" json:"write_timeout" env:"PANDAVOIP_WRITE_TIMEOUT"`
	} `yaml:"control" toml:"control" json:"control"`

	Voice struct {
		Workers        int  `yaml:"workers" toml:"workers" json:"workers" env:"PANDAVOIP_VOICE_WORKERS" validate:"min=1,max=256"`
		QueueSize      int  `yaml:"queue_size" toml:"queue_size" json:"queue_size" env:"PANDAVOIP_VOICE_QUEUE_SIZE" validate:"min=1"`
		RequireSession bool `yaml:"require_session" toml:"require_session" json:"require_session" env:"PANDAVOIP_VOICE_REQUIRE_SESSION"`
	} `yaml:"voice" toml:"voice" json:"voice"`

	Admin struct {
		Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"PANDAVOIP_ADMIN_ENABLED"`
		Host    string `yaml:"host" toml:"host" json:"host" env:"PANDAVOIP_ADMIN_HOST" validate:"omitempty,ip"`
		Port    int    `yaml:"port" toml:"port" json:"port" env:"PANDAVOIP_ADMIN_PORT" validate:"min=1,max=65535"`
	} `yaml:"admin" toml:"admin" json:"admin"`

	Log struct {
		Level string `yaml:"level" toml:"level" json:"level" env:"PANDAVOIP_LOG_LEVEL" validate:"oneof=trace debug info warn warning error fatal panic"`
	} `yaml:"log" toml:"log" json:"log"`

	// Source is the file the configuration was read from, if any.
	Source string `yaml:"-" toml:"-" json:"-"`
}

// Default returns a configuration holding only defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Name = DefaultServerName
	cfg.Server.Host = DefaultHost
	cfg.Server.CommandPort = DefaultCommandPort
	cfg.Server.VoicePort = DefaultVoicePort
	cfg.Control.WriteTimeout = Duration{DefaultWriteTimeout}
	cfg.Voice.Workers = DefaultVoiceWorkers
	cfg.Voice.QueueSize = DefaultVoiceQueue
	cfg.Admin.Host = DefaultAdminHost
	cfg.Admin.Port = DefaultAdminPort
	cfg.Log.Level = DefaultLogLevel
	return cfg
}

// Load reads source (which may be empty), applies environment overrides and
// validates the result.
func Load(source string) (*Config, error) {
	cfg := Default()

	if source != "" {
		if err := cfg.loadFromFile(source); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(source string) error {
	data, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(source, ".toml"):
		err = toml.Unmarshal(data, c)
	case strings.HasSuffix(source, ".json"):
		err = json.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", source, err)
	}

	c.Source = source
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// report fields by their yaml names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks addresses, ports and TLS files.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if c.Control.WriteTimeout.Duration < 0 {
			return errors.New("invalid configuration: control.write_timeout must not be negative")
		}
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	problems := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s fails %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

// CommandAddress returns host:port of the control listener.
func (c *Config) CommandAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.CommandPort))
}

// VoiceAddress returns host:port of the voice socket.
func (c *Config) VoiceAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.VoicePort))
}

// AdminAddress returns host:port of the admin HTTP server.
func (c *Config) AdminAddress() string {
	return net.JoinHostPort(c.Admin.Host, strconv.Itoa(c.Admin.Port))
}

// TLSEnabled reports whether the control listener must use TLS.
func (c *Config) TLSEnabled() bool {
	return (c.TLS.Cert != "" && c.TLS.Key != "") || c.TLS.AutoGenerate
}
