package logkeeper

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	LogLevel     string   `toml:"logLevel" validate:"oneof=debug info warn error"`
	KafkaBrokers []string `toml:"kafkaBrokers" validate:"min=1,dive,hostname_port"`
	KafkaTopic   string   `toml:"kafkaTopic" validate:"required"`
	KafkaGroupID string   `toml:"kafkaGroupID" validate:"required"`

	ElasticSearchIndex string   `toml:"elasticSearchIndex" validate:"required"`
	ElasticSearchNodes []string `toml:"elasticSearchNodes" validate:"min=1,dive,http_url"`

	NumWorkers int `toml:"numWorkers" validate:"min=1"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:           "info",
		KafkaTopic:         "gateway-logs",
		KafkaGroupID:       "logkeeper",
		ElasticSearchIndex: "gateway-logs",
		NumWorkers:         4,
	}
}

// LoadConfig decodes the TOML file at path over the defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
