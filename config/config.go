// Package config loads the run configuration from defaults, an optional
// YAML file and EXAE_ environment variables, in that order of priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/tsawler/go-exchangeable/layers"
	"github.com/tsawler/go-exchangeable/logging"
	"github.com/tsawler/go-exchangeable/optimizer"
	"github.com/tsawler/go-exchangeable/sparse"
	"github.com/tsawler/go-exchangeable/training"
)

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix marks the environment variables read into the config.
// EXAE_TRAINING__MAX_ROWS sets training.max_rows.
const EnvPrefix = "EXAE_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete run configuration.
type Config struct {
	Data      DataConfig       `koanf:"data"`
	Model     ModelConfig      `koanf:"model"`
	Optimizer optimizer.Config `koanf:"optimizer"`
	Training  training.Config  `koanf:"training"`
	Logging   logging.Config   `koanf:"logging"`
	Monitor   MonitorConfig    `koanf:"monitor"`
	Run       RunConfig        `koanf:"run"`
	// Verbose logs the model and run settings before training.
	Verbose bool `koanf:"verbose"`
}

// DataConfig locates the ratings and splits them.
type DataConfig struct {
	// Path is a ratings file. Empty generates synthetic ratings.
	Path   string `koanf:"path"`
	Loader string `koanf:"loader" validate:"oneof=scanner duckdb"`

	Train float64 `koanf:"train" validate:"gt=0,lte=1"`
	Valid float64 `koanf:"valid" validate:"gte=0,lt=1"`
	Test  float64 `koanf:"test" validate:"gte=0,lt=1"`
	Seed  uint64  `koanf:"seed"`

	Synthetic SyntheticConfig `koanf:"synthetic"`
}

// SyntheticConfig sizes the generated low-rank ratings.
type SyntheticConfig struct {
	Users   int     `koanf:"users" validate:"gte=1"`
	Items   int     `koanf:"items" validate:"gte=1"`
	Rank    int     `koanf:"rank" validate:"gte=1"`
	Density float64 `koanf:"density" validate:"gt=0,lte=1"`
}

// ModelConfig describes the autoencoder. An empty encoder or decoder takes
// the reference architecture.
type ModelConfig struct {
	Encoder  []layers.Definition `koanf:"encoder" validate:"dive"`
	Decoder  []layers.Definition `koanf:"decoder" validate:"dive"`
	Defaults layers.Defaults     `koanf:"defaults"`

	DropoutScaling string  `koanf:"dropout_scaling" validate:"omitempty,oneof=reference inverted"`
	InitStd        float64 `koanf:"init_std" validate:"gt=0"`
	Seed           uint64  `koanf:"seed"`
}

// MonitorConfig controls the HTTP monitor. An empty Addr disables it.
type MonitorConfig struct {
	Addr string `koanf:"addr"`
}

// RunConfig controls what a run leaves behind.
type RunConfig struct {
	// StoreDir holds the per-epoch history. Empty disables it.
	StoreDir    string `koanf:"store_dir"`
	PlotPath    string `koanf:"plot_path"`
	Description string `koanf:"description"`
}

// Default returns the reference MovieLens 100k configuration.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Loader: "scanner",
			Train:  0.8,
			Valid:  0.2,
			Test:   0.001,
			Seed:   9858776,
			Synthetic: SyntheticConfig{
				Users:   200,
				Items:   300,
				Rank:    5,
				Density: 0.05,
			},
		},
		Model: ModelConfig{
			Encoder:        layers.DefaultEncoder(),
			Decoder:        layers.DefaultDecoder(),
			Defaults:       layers.DefaultDefaults(),
			DropoutScaling: "reference",
			InitStd:        layers.DefaultInitStd,
			Seed:           9858776,
		},
		Optimizer: optimizer.DefaultConfig(),
		Training:  training.DefaultConfig(),
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load layers defaults, the YAML file at path and the environment. An
// empty path falls back to CONFIG_PATH and then DefaultConfigPaths; a
// missing default file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps EXAE_SECTION__FIELD_NAME to section.field_name.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges, then the relations between fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s: failed %s%s", fe.Namespace(), fe.Tag(), param(fe.Param()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if sum := c.Data.Train + c.Data.Valid; sum > 1+1e-9 {
		return fmt.Errorf("%w: data.train + data.valid is %g, above 1", ErrInvalid, sum)
	}
	if err := checkDropoutPlacement(c.Model.Encoder); err != nil {
		return err
	}
	if _, err := c.ModelSpec(); err != nil {
		return fmt.Errorf("%w: model: %v", ErrInvalid, err)
	}
	return nil
}

func param(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}

// checkDropoutPlacement rejects dropout after the pool layer; the decoder
// never drops.
func checkDropoutPlacement(encoder []layers.Definition) error {
	pooled := false
	for i, def := range encoder {
		switch def.Type {
		case "matrix_pool_sparse":
			pooled = true
		case "matrix_dropout_sparse":
			if pooled {
				return fmt.Errorf("%w: model.encoder[%d]: dropout after the pool layer", ErrInvalid, i)
			}
		}
	}
	return nil
}

// ModelSpec compiles the configured architecture for one input feature.
func (c *Config) ModelSpec() (*layers.ModelSpec, error) {
	encoder, decoder := c.Model.Encoder, c.Model.Decoder
	if len(encoder) == 0 {
		encoder = layers.DefaultEncoder()
	}
	if len(decoder) == 0 {
		decoder = layers.DefaultDecoder()
	}
	return layers.Build(1, encoder, decoder, c.Model.Defaults)
}

// ModelOptions turns the model section into layers options.
func (c *Config) ModelOptions() ([]layers.Option, error) {
	scaling, err := sparse.ParseDropoutScaling(c.Model.DropoutScaling)
	if err != nil {
		return nil, err
	}
	return []layers.Option{
		layers.WithSeed(c.Model.Seed),
		layers.WithDropoutScaling(scaling),
		layers.WithInitStd(c.Model.InitStd),
	}, nil
}
