// Package config loads the gateway configuration: defaults, then an optional TOML file, then
// environment variables, layered through koanf. Command line flags are applied by the caller
// before Validate.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	HTTPAddr  string `toml:"httpAddr" validate:"required,hostname_port"`
	LogLevel  string `toml:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat string `toml:"logFormat" validate:"oneof=text json"`

	HealthPath     string `toml:"healthPath" validate:"startswith=/"`
	ReadyPath      string `toml:"readyPath" validate:"startswith=/"`
	MetricsPath    string `toml:"metricsPath" validate:"startswith=/"`
	MetricsEnabled bool   `toml:"metricsEnabled"`

	// UpstreamTimeoutMs bounds the wait for upstream response headers; 0 waits forever.
	UpstreamTimeoutMs int   `toml:"upstreamTimeoutMs" validate:"min=0"`
	MaxBodyBytes      int64 `toml:"maxBodyBytes" validate:"min=1"`
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `toml:"trustProxy"`

	Services   Services   `toml:"services"`
	RateLimits RateLimits `toml:"rateLimits"`
	CORS       CORS       `toml:"cors"`
	Logs       Logs       `toml:"logs"`
	Kafka      Kafka      `toml:"kafka"`
}

// Services are the upstream base URLs.
type Services struct {
	Auth      string `toml:"auth" validate:"required,http_url"`
	Images    string `toml:"images" validate:"required,http_url"`
	Inference string `toml:"inference" validate:"required,http_url"`
	Results   string `toml:"results" validate:"required,http_url"`
	Interface string `toml:"interface" validate:"required,http_url"`
	Capture   string `toml:"capture" validate:"required,http_url"`
}

// Limit is a fixed-window policy; Max 0 disables it.
type Limit struct {
	WindowMs int `toml:"windowMs" validate:"required_with=Max,min=0"`
	Max      int `toml:"max" validate:"min=0"`
}

func (l Limit) Window() time.Duration {
	return time.Duration(l.WindowMs) * time.Millisecond
}

type RateLimits struct {
	Global    Limit `toml:"global"`
	Auth      Limit `toml:"auth"`
	Inference Limit `toml:"inference"`
	Capture   Limit `toml:"capture"`
}

type CORS struct {
	Origins     []string `toml:"origins" validate:"min=1,dive,required"`
	Credentials bool     `toml:"credentials"`
}

type Logs struct {
	// RedisURL switches the log store to the shared Redis backend.
	RedisURL      string `toml:"redisURL" validate:"omitempty,url"`
	RedisKey      string `toml:"redisKey" validate:"required"`
	RedisCapacity int    `toml:"redisCapacity" validate:"min=1"`
	Capacity      int    `toml:"capacity" validate:"min=1"`
	// Public serves the log endpoints without an Authorization header. Deployments that
	// expose the gateway beyond the lab network should turn it off.
	Public bool `toml:"public"`
}

type Kafka struct {
	Addr  string `toml:"addr" validate:"required_with=Topic"`
	Topic string `toml:"topic" validate:"required_with=Addr"`
	Batch int    `toml:"batch" validate:"min=0"`
}

func Default() *Config {
	return &Config{
		HTTPAddr:          ":6400",
		LogLevel:          "info",
		LogFormat:         "text",
		HealthPath:        "/healthz",
		ReadyPath:         "/readyz",
		MetricsPath:       "/metrics",
		MetricsEnabled:    true,
		UpstreamTimeoutMs: 0,
		MaxBodyBytes:      10 << 20,
		Services: Services{
			Auth:      "http://localhost:6401",
			Images:    "http://localhost:6402",
			Inference: "http://localhost:6403",
			Results:   "http://localhost:6404",
			Interface: "http://localhost:6405",
			Capture:   "http://localhost:6406",
		},
		RateLimits: RateLimits{
			Global:    Limit{WindowMs: 15 * 60 * 1000, Max: 1000},
			Auth:      Limit{WindowMs: 15 * 60 * 1000, Max: 50},
			Inference: Limit{WindowMs: 60 * 1000, Max: 10},
			Capture:   Limit{WindowMs: 60 * 1000, Max: 30},
		},
		CORS: CORS{
			Origins:     []string{"http://localhost:3000"},
			Credentials: true,
		},
		Logs: Logs{
			RedisKey:      "gateway:logs",
			RedisCapacity: 5000,
			Capacity:      1000,
			Public:        true,
		},
		Kafka: Kafka{Batch: 1},
	}
}

// Load reads defaults, the TOML file at path (skipped when it does not exist) and the
// process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
			log.Debugf("[config] %s not found, using defaults", path)
		}
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "toml"), nil); err != nil {
		return nil, fmt.Errorf("failed to load config defaults: %w", err)
	}
	if err := k.Load(envProvider(), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	out := &Config{}
	if err := k.UnmarshalWithConf("", out, koanf.UnmarshalConf{Tag: "toml"}); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	return out, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration against its field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), strings.TrimSpace(fe.Tag()+" "+fe.Param())))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutMs) * time.Millisecond
}

func (c Config) String() string {
	if c.Logs.RedisURL != "" {
		if u, err := url.Parse(c.Logs.RedisURL); err == nil {
			c.Logs.RedisURL = u.Redacted()
		}
	}
	return fmt.Sprintf("%+v", struct {
		HTTPAddr   string
		Services   Services
		RateLimits RateLimits
		Logs       Logs
		Kafka      Kafka
	}{c.HTTPAddr, c.Services, c.RateLimits, c.Logs, c.Kafka})
}
