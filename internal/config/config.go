// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// Provisioners.
const (
	ProvisionerStatic = "static"
	ProvisionerDocker = "docker"
)

// Config is the full runtime configuration.
type Config struct {
	HTTPAddr  string `env:"WORKSHOP_HTTP_ADDR"  envDefault:":8080"`
	LogLevel  string `env:"WORKSHOP_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"WORKSHOP_LOG_FORMAT" envDefault:"json"`

	StoreDriver string `env:"WORKSHOP_STORE_DRIVER" envDefault:"sqlite"`
	StorePath   string `env:"WORKSHOP_STORE_PATH"   envDefault:"data/sessions.db"`

	PerUserSessionCap        int           `env:"WORKSHOP_PER_USER_SESSION_CAP"       envDefault:"3"`
	GlobalSessionCap         int           `env:"WORKSHOP_GLOBAL_SESSION_CAP"         envDefault:"500"`
	SessionDuration          time.Duration `env:"WORKSHOP_SESSION_DURATION"           envDefault:"120m"`
	MaxSessionDuration       time.Duration `env:"WORKSHOP_MAX_SESSION_DURATION"       envDefault:"180m"`
	ProvisioningGraceTimeout time.Duration `env:"WORKSHOP_PROVISIONING_GRACE_TIMEOUT" envDefault:"5m"`
	ProvisionTimeout         time.Duration `env:"WORKSHOP_PROVISION_TIMEOUT"          envDefault:"90s"`
	SweepInterval            time.Duration `env:"WORKSHOP_SWEEP_INTERVAL"             envDefault:"5m"`
	SweepConcurrency         int           `env:"WORKSHOP_SWEEP_CONCURRENCY"          envDefault:"8"`

	Provisioner    string `env:"WORKSHOP_PROVISIONER"           envDefault:"static"`
	StaticEndpoint string `env:"WORKSHOP_STATIC_ENDPOINT"       envDefault:"https://labs.local/{instanceId}"`
	DockerImage    string `env:"WORKSHOP_DOCKER_IMAGE"          envDefault:"workshop/lab-{labRef}:latest"`
	DockerPort     string `env:"WORKSHOP_DOCKER_PORT"           envDefault:"8080/tcp"`
	DockerHost     string `env:"WORKSHOP_DOCKER_ADVERTISE_HOST" envDefault:"localhost"`

	Labs             []string `env:"WORKSHOP_LABS"                envSeparator:","`
	AdminUsers       []string `env:"WORKSHOP_ADMIN_USERS"         envSeparator:","`
	RateLimitPerHour int      `env:"WORKSHOP_RATE_LIMIT_PER_HOUR" envDefault:"100"`
	RateLimitBurst   int      `env:"WORKSHOP_RATE_LIMIT_BURST"    envDefault:"10"`
}

// Load parses the process environment and validates the result.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Labs = trimAll(cfg.Labs)
	cfg.AdminUsers = trimAll(cfg.AdminUsers)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every setting that is out of range.
func (c Config) Validate() error {
	var errs []error
	if c.PerUserSessionCap <= 0 {
		errs = append(errs, errors.New("per-user session cap must be positive"))
	}
	if c.GlobalSessionCap <= 0 {
		errs = append(errs, errors.New("global session cap must be positive"))
	}
	if c.SessionDuration <= 0 {
		errs = append(errs, errors.New("session duration must be positive"))
	}
	if c.MaxSessionDuration < c.SessionDuration {
		errs = append(errs, errors.New("max session duration must not be shorter than session duration"))
	}
	if c.ProvisioningGraceTimeout <= 0 {
		errs = append(errs, errors.New("provisioning grace timeout must be positive"))
	}
	if c.ProvisionTimeout <= 0 {
		errs = append(errs, errors.New("provision timeout must be positive"))
	}
	if c.ProvisioningGraceTimeout > 0 && c.ProvisioningGraceTimeout < c.ProvisionTimeout {
		errs = append(errs, errors.New("provisioning grace timeout must not be shorter than provision timeout"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	if c.SweepConcurrency <= 0 {
		errs = append(errs, errors.New("sweep concurrency must be positive"))
	}
	if c.RateLimitPerHour <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("rate limit and burst must be positive"))
	}
	switch c.StoreDriver {
	case DriverSQLite, DriverBolt:
		if strings.TrimSpace(c.StorePath) == "" {
			errs = append(errs, fmt.Errorf("store path is required for %s", c.StoreDriver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	switch c.Provisioner {
	case ProvisionerStatic:
		if strings.TrimSpace(c.StaticEndpoint) == "" {
			errs = append(errs, errors.New("static endpoint is required"))
		}
	case ProvisionerDocker:
		if strings.TrimSpace(c.DockerImage) == "" {
			errs = append(errs, errors.New("docker image is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provisioner %q", c.Provisioner))
	}
	return errors.Join(errs...)
}

// IsAdmin reports whether ownerID is listed in AdminUsers.
func (c Config) IsAdmin(ownerID string) bool {
	for _, admin := range c.AdminUsers {
		if admin == ownerID {
			return true
		}
	}
	return false
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
