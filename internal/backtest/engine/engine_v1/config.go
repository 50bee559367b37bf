package engine

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/atlas-quant/atlas-backtester/pkg/errors"
)

// BacktestEngineV1Config controls the data, cache and warm-up behavior of
// the engine. Zero values fall back to DefaultConfig.
type BacktestEngineV1Config struct {
	DataDir            string        `yaml:"data_dir" json:"data_dir" jsonschema:"title=Data Directory,description=Directory containing per-ticker parquet price files"`
	CacheDir           string        `yaml:"cache_dir" json:"cache_dir" jsonschema:"title=Cache Directory,description=Directory for persisted subtree results. Empty disables the cache"`
	ExtendedWarmupDays int           `yaml:"extended_warmup_days" json:"extended_warmup_days" validate:"gte=0" jsonschema:"title=Extended Warmup Days,description=Extra history requested for recursive indicators (RSI and EMA) so their seed values settle,default=252"`
	RetryMaxAttempts   int           `yaml:"retry_max_attempts" json:"retry_max_attempts" validate:"gte=1" jsonschema:"title=Retry Max Attempts,description=Number of attempts for each data source query,default=3"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay" json:"retry_base_delay" jsonschema:"title=Retry Base Delay,description=Initial delay between retries. Doubles on every attempt"`
	LogLevel           string        `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error" jsonschema:"title=Log Level,default=info"`
}

var configValidator = validator.New()

// DefaultConfig returns the configuration used when a field is not set.
// Recursive indicators get one trading year of extra history to settle.
func DefaultConfig() BacktestEngineV1Config {
	return BacktestEngineV1Config{
		DataDir:            "",
		CacheDir:           "",
		ExtendedWarmupDays: 252,
		RetryMaxAttempts:   3,
		RetryBaseDelay:     500 * time.Millisecond,
		LogLevel:           "info",
	}
}

// ParseConfig decodes YAML content on top of the defaults and validates the
// result. Empty content yields DefaultConfig.
func ParseConfig(content string) (BacktestEngineV1Config, error) {
	config := DefaultConfig()

	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return config, errors.Wrap(errors.ErrCodeInvalidConfiguration, "cannot parse engine configuration", err)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

// UnmarshalYAML implements custom unmarshaling for BacktestEngineV1Config.
// Durations are written as strings ("500ms") and absent fields keep their
// current values, so decoding over DefaultConfig preserves the defaults.
func (c *BacktestEngineV1Config) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		DataDir            *string `yaml:"data_dir"`
		CacheDir           *string `yaml:"cache_dir"`
		ExtendedWarmupDays *int    `yaml:"extended_warmup_days"`
		RetryMaxAttempts   *int    `yaml:"retry_max_attempts"`
		RetryBaseDelay     *string `yaml:"retry_base_delay"`
		LogLevel           *string `yaml:"log_level"`
	}

	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.DataDir != nil {
		c.DataDir = *raw.DataDir
	}

	if raw.CacheDir != nil {
		c.CacheDir = *raw.CacheDir
	}

	if raw.ExtendedWarmupDays != nil {
		c.ExtendedWarmupDays = *raw.ExtendedWarmupDays
	}

	if raw.RetryMaxAttempts != nil {
		c.RetryMaxAttempts = *raw.RetryMaxAttempts
	}

	if raw.RetryBaseDelay != nil {
		delay, err := time.ParseDuration(*raw.RetryBaseDelay)
		if err != nil {
			return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid retry_base_delay %q", *raw.RetryBaseDelay)
		}

		c.RetryBaseDelay = delay
	}

	if raw.LogLevel != nil {
		c.LogLevel = *raw.LogLevel
	}

	return nil
}

// Validate checks field constraints.
func (c *BacktestEngineV1Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid engine configuration", err)
	}

	return nil
}

// GenerateSchema generates a JSON schema for the BacktestEngineV1Config.
func (c *BacktestEngineV1Config) GenerateSchema() (*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(time.Duration(0)) {
				return &jsonschema.Schema{
					Type:        "string",
					Description: "Go duration string, e.g. 500ms or 2s",
				}
			}

			return nil
		},
	}

	schema := reflector.Reflect(c)

	schema.Title = "backtest-engine-v1-config"
	schema.Description = "Configuration schema for BacktestEngineV1"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return schema, nil
}

// GenerateSchemaJSON generates a JSON schema string for the BacktestEngineV1Config.
func (c *BacktestEngineV1Config) GenerateSchemaJSON() (string, error) {
	schema, err := c.GenerateSchema()
	if err != nil {
		return "", err
	}

	schemaBytes, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", err
	}

	return string(schemaBytes), nil
}
