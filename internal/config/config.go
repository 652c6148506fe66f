package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. STYLIZER_PIPELINE_WORKERS.
const EnvPrefix = "STYLIZER"

// Missing-frame policies for frames that fail or never come back.
const (
	MissingSkip = "skip"
	MissingFail = "fail"
)

type Config struct {
	Logger   Logger
	Pipeline PipelineConfig
	Monitor  MonitorConfig
	Engine   EngineConfig
	Postgres PostgresConfig
	Redis    RedisConfig
}

type Logger struct {
	Development       bool
	DisableCaller     bool
	DisableStacktrace bool
	Encoding          string `validate:"oneof=console json"`
	Level             string `validate:"oneof=debug info warn error dpanic panic fatal"`
}

type PipelineConfig struct {
	// Workers overrides the adaptive worker count when > 0.
	Workers       int           `validate:"gte=0,lte=64"`
	PollTimeout   time.Duration `validate:"gt=0"`
	FrameTimeout  time.Duration `validate:"gt=0"`
	StopTimeout   time.Duration `validate:"gt=0"`
	MissingFrames string        `validate:"oneof=skip fail"`
}

type MonitorConfig struct {
	Interval    time.Duration `validate:"gt=0"`
	StopTimeout time.Duration `validate:"gt=0"`
}

type EngineConfig struct {
	Python      string `validate:"required"`
	Script      string `validate:"required"`
	Model       string
	ModelSHA256 string `validate:"omitempty,len=64,hexadecimal"`
	ReadTimeout time.Duration `validate:"gt=0"`
	Threads     int           `validate:"gte=0"`
}

type PostgresConfig struct {
	URL string
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int `validate:"gte=0"`
	ChannelPrefix string
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.disablecaller", false)
	v.SetDefault("logger.disablestacktrace", false)

	v.SetDefault("pipeline.workers", 0)
	v.SetDefault("pipeline.polltimeout", "1s")
	v.SetDefault("pipeline.frametimeout", "30s")
	v.SetDefault("pipeline.stoptimeout", "2s")
	v.SetDefault("pipeline.missingframes", MissingSkip)

	v.SetDefault("monitor.interval", "1s")
	v.SetDefault("monitor.stoptimeout", "2s")

	v.SetDefault("engine.python", "python3")
	v.SetDefault("engine.script", "python/engine.py")
	v.SetDefault("engine.model", "assets/animegan_v3.tflite")
	v.SetDefault("engine.modelsha256", "")
	v.SetDefault("engine.readtimeout", "30s")
	v.SetDefault("engine.threads", 0)

	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("postgres.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channelprefix", "stylizer")
}

// LoadConfig builds a viper instance with defaults and environment overrides.
// An empty filename skips the config file entirely.
func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename == "" {
		return v, nil
	}
	v.SetConfigFile(filename)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFound) {
			return nil, errors.New("config file not found")
		}
		return nil, fmt.Errorf("read config %s: %w", filename, err)
	}
	return v, nil
}

// ParseConfig decodes and validates the configuration.
func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks struct tags. Flag overrides should call it again after they are applied.
func (c *Config) Validate() error {
	if err := validate.StructCtx(context.Background(), c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Default is the configuration used when no file and no environment overrides are present.
func Default() *Config {
	v, _ := LoadConfig("")
	c, err := ParseConfig(v)
	if err != nil {
		panic(err)
	}
	return c
}
