// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lwm2m holds the configuration shared by the lwm2m binary and
// applications embedding the engine.
package lwm2m

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/lwm2m/pkg/engine"
	"github.com/absmach/lwm2m/pkg/errors"
	"github.com/absmach/lwm2m/pkg/registration"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable.
const EnvPrefix = "LWM2M_"

// Config is the environment configuration of one engine instance.
type Config struct {
	Mode    string `env:"MODE"    envDefault:"client"`
	Address string `env:"ADDRESS" envDefault:":5683"`
	Version string `env:"VERSION" envDefault:"1.1"`

	// Client mode
	Endpoint      string        `env:"ENDPOINT"         envDefault:"lwm2m-client"`
	Binding       string        `env:"BINDING"          envDefault:"U"`
	AltPath       string        `env:"ALT_PATH"`
	ServerURI     string        `env:"SERVER_URI"`
	ServerShortID uint16        `env:"SERVER_SHORT_ID"  envDefault:"1"`
	BootstrapURI  string        `env:"BOOTSTRAP_URI"`
	BootstrapHold time.Duration `env:"BOOTSTRAP_HOLD_OFF" envDefault:"0s"`
	Lifetime      time.Duration `env:"LIFETIME"         envDefault:"86400s"`
	ServersFile   string        `env:"SERVERS_FILE"`

	// Retry policy of the configured server
	RetryCount         int           `env:"COMMUNICATION_RETRY_COUNT"          envDefault:"5"`
	RetryTimer         time.Duration `env:"COMMUNICATION_RETRY_TIMER"          envDefault:"60s"`
	SequenceDelay      time.Duration `env:"COMMUNICATION_SEQUENCE_DELAY_TIMER" envDefault:"24h"`
	SequenceRetryCount int           `env:"COMMUNICATION_SEQUENCE_RETRY_COUNT" envDefault:"1"`
	BootstrapOnFailure bool          `env:"BOOTSTRAP_ON_REGISTRATION_FAILURE"  envDefault:"true"`
	FailureBlock       bool          `env:"REGISTRATION_FAILURE_BLOCK"         envDefault:"false"`

	// Bootstrap-server mode
	BootstrapFile string `env:"BOOTSTRAP_FILE"`

	// Block transfers
	BlockSize    int `env:"BLOCK_SIZE"     envDefault:"1024"`
	MaxBlockSize int `env:"MAX_BLOCK_SIZE" envDefault:"1048576"`

	// Transport
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT"    envDefault:"25h"`
	MaxSessions    int           `env:"MAX_SESSIONS"       envDefault:"10000"`
	RateCapacity   float64       `env:"RATE_LIMIT_CAPACITY" envDefault:"100"`
	RateRefill     float64       `env:"RATE_LIMIT_REFILL"   envDefault:"10"`

	// Observability
	AdminAddress string `env:"ADMIN_ADDRESS" envDefault:":9090"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT"    envDefault:"json"`
	LogFile      string `env:"LOG_FILE"`

	// Events
	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT_PREFIX" envDefault:"lwm2m"`
}

// NewConfig parses the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Policy returns the retry policy of the configured server.
func (c Config) Policy() registration.Policy {
	return registration.Policy{
		RetryCount:         c.RetryCount,
		RetryTimer:         c.RetryTimer,
		SequenceDelay:      c.SequenceDelay,
		SequenceRetryCount: c.SequenceRetryCount,
		BootstrapOnFailure: c.BootstrapOnFailure,
		FailureBlock:       c.FailureBlock,
	}
}

// Servers returns the servers a client starts with: the servers file when
// set, otherwise the server and bootstrap server URIs.
func (c Config) Servers() ([]*registration.Server, error) {
	if c.ServersFile != "" {
		f, err := LoadFile(c.ServersFile)
		if err != nil {
			return nil, err
		}
		return f.Registrations(), nil
	}

	var servers []*registration.Server
	if c.BootstrapURI != "" {
		servers = append(servers, &registration.Server{
			URI:       c.BootstrapURI,
			Bootstrap: true,
			HoldOff:   c.BootstrapHold,
			Policy:    c.Policy(),
		})
	}
	if c.ServerURI != "" {
		servers = append(servers, &registration.Server{
			URI:      c.ServerURI,
			ShortID:  c.ServerShortID,
			Lifetime: c.Lifetime,
			Binding:  c.Binding,
			Policy:   c.Policy(),
		})
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: neither %sSERVER_URI nor %sBOOTSTRAP_URI is set", errors.ErrNoServerAvailable, EnvPrefix, EnvPrefix)
	}
	return servers, nil
}

// ServerConfig describes one server in a YAML file.
type ServerConfig struct {
	URI       string               `yaml:"uri"`
	ShortID   uint16               `yaml:"short_id"`
	Bootstrap bool                 `yaml:"bootstrap"`
	Lifetime  time.Duration        `yaml:"lifetime"`
	Binding   string               `yaml:"binding"`
	HoldOff   time.Duration        `yaml:"hold_off"`
	Policy    *registration.Policy `yaml:"policy"`
}

// EndpointBootstrap is the bootstrap information of one endpoint.
type EndpointBootstrap struct {
	KeepExisting bool           `yaml:"keep_existing"`
	Servers      []ServerConfig `yaml:"servers"`
}

// File is the optional YAML configuration. A client reads Servers, a
// bootstrap server reads Bootstrap keyed by endpoint name ("*" matches any).
type File struct {
	Servers   []ServerConfig               `yaml:"servers"`
	Bootstrap map[string]EndpointBootstrap `yaml:"bootstrap"`
}

// LoadFile reads and validates a YAML configuration file.
func LoadFile(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return ParseFile(b)
}

// ParseFile decodes and validates a YAML configuration.
func ParseFile(b []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, fmt.Errorf("%w: %w", errors.ErrInvalidInput, err)
	}
	if err := validate(f.Servers); err != nil {
		return File{}, err
	}
	for ep, bs := range f.Bootstrap {
		if err := validate(bs.Servers); err != nil {
			return File{}, fmt.Errorf("bootstrap %q: %w", ep, err)
		}
	}
	return f, nil
}

func validate(servers []ServerConfig) error {
	for i, s := range servers {
		if s.URI == "" {
			return fmt.Errorf("%w: server %d has no uri", errors.ErrInvalidInput, i)
		}
		if !s.Bootstrap && (s.ShortID == 0 || s.ShortID == 65535) {
			return fmt.Errorf("%w: server %s has invalid short_id %d", errors.ErrInvalidInput, s.URI, s.ShortID)
		}
	}
	return nil
}

// Registrations converts the file's servers to registration records.
func (f File) Registrations() []*registration.Server {
	return registrations(f.Servers)
}

// BootstrapProvider returns the bootstrap information as an engine
// provider. Security instance 0 is left to the client's bootstrap server.
func (f File) BootstrapProvider() (engine.StaticBootstrap, error) {
	p := make(engine.StaticBootstrap, len(f.Bootstrap))
	for ep, bs := range f.Bootstrap {
		writes, err := engine.ServerWrites(registrations(bs.Servers), 1)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %q: %w", ep, err)
		}
		p[ep] = engine.BootstrapInfo{KeepExisting: bs.KeepExisting, Writes: writes}
	}
	return p, nil
}

func registrations(servers []ServerConfig) []*registration.Server {
	out := make([]*registration.Server, 0, len(servers))
	for _, s := range servers {
		policy := registration.DefaultPolicy()
		if s.Policy != nil {
			policy = *s.Policy
		}
		lifetime := s.Lifetime
		if lifetime == 0 && !s.Bootstrap {
			lifetime = registration.DefaultLifetime
		}
		out = append(out, &registration.Server{
			URI:       s.URI,
			ShortID:   s.ShortID,
			Bootstrap: s.Bootstrap,
			Lifetime:  lifetime,
			Binding:   s.Binding,
			HoldOff:   s.HoldOff,
			Policy:    policy,
		})
	}
	return out
}
