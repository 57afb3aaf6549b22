package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gogpu/rtas"
	"github.com/gogpu/rtas/gpucore"
)

// envPrefix prefixes environment overrides, e.g. ASBENCH_SCENE_MESHES.
const envPrefix = "ASBENCH"

// Config is the benchmark configuration.
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Device DeviceConfig `mapstructure:"device"`
	Build  BuildConfig  `mapstructure:"build"`
	Scene  SceneConfig  `mapstructure:"scene"`
}

// LogConfig sets the log level of the run.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DeviceConfig configures the software device.
type DeviceConfig struct {
	DeviceLocalBudget uint64  `mapstructure:"device_local_budget"`
	CompactionRatio   float64 `mapstructure:"compaction_ratio"`
	Deferred          bool    `mapstructure:"deferred"`
}

// BuildConfig controls batching, compaction and fence waits of the builder.
type BuildConfig struct {
	BatchThreshold uint64        `mapstructure:"batch_threshold"`
	Compact        bool          `mapstructure:"compact"`
	FastBuild      bool          `mapstructure:"fast_build"`
	FenceTimeout   time.Duration `mapstructure:"fence_timeout"`
}

// SceneConfig sizes the synthetic scene.
type SceneConfig struct {
	Meshes    int `mapstructure:"meshes"`
	Triangles int `mapstructure:"triangles"`
	Instances int `mapstructure:"instances"`
	Updates   int `mapstructure:"updates"`
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "warn"},
		Device: DeviceConfig{
			CompactionRatio: 0.6,
		},
		Build: BuildConfig{
			BatchThreshold: rtas.DefaultBatchThreshold,
			FenceTimeout:   rtas.DefaultFenceTimeout,
		},
		Scene: SceneConfig{
			Meshes:    16,
			Triangles: 4096,
			Instances: 64,
			Updates:   8,
		},
	}
}

// LoadConfig merges defaults, the optional config file, ASBENCH_*
// environment variables and flags, in increasing precedence.
func LoadConfig(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("asbench")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":        "log.level",
	"budget":           "device.device_local_budget",
	"compaction-ratio": "device.compaction_ratio",
	"deferred":         "device.deferred",
	"batch-threshold":  "build.batch_threshold",
	"compact":          "build.compact",
	"fast-build":       "build.fast_build",
	"fence-timeout":    "build.fence_timeout",
	"meshes":           "scene.meshes",
	"triangles":        "scene.triangles",
	"instances":        "scene.instances",
	"updates":          "scene.updates",
}

// bindFlags binds every flag of the set that has a configuration key.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil {
			err = fmt.Errorf("binding flag %q: %w", f.Name, bindErr)
		}
	})
	return err
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log.level", cfg.Log.Level)

	v.SetDefault("device.device_local_budget", cfg.Device.DeviceLocalBudget)
	v.SetDefault("device.compaction_ratio", cfg.Device.CompactionRatio)
	v.SetDefault("device.deferred", cfg.Device.Deferred)

	v.SetDefault("build.batch_threshold", cfg.Build.BatchThreshold)
	v.SetDefault("build.compact", cfg.Build.Compact)
	v.SetDefault("build.fast_build", cfg.Build.FastBuild)
	v.SetDefault("build.fence_timeout", cfg.Build.FenceTimeout)

	v.SetDefault("scene.meshes", cfg.Scene.Meshes)
	v.SetDefault("scene.triangles", cfg.Scene.Triangles)
	v.SetDefault("scene.instances", cfg.Scene.Instances)
	v.SetDefault("scene.updates", cfg.Scene.Updates)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Device.CompactionRatio <= 0 || c.Device.CompactionRatio > 1 {
		return errors.New("device.compaction_ratio must be in (0, 1]")
	}
	if c.Build.BatchThreshold == 0 {
		return errors.New("build.batch_threshold must be positive")
	}
	if c.Build.FenceTimeout <= 0 {
		return errors.New("build.fence_timeout must be positive")
	}
	if c.Scene.Meshes < 1 {
		return errors.New("scene.meshes must be at least 1")
	}
	if c.Scene.Triangles < 1 {
		return errors.New("scene.triangles must be at least 1")
	}
	if c.Scene.Instances < 1 {
		return errors.New("scene.instances must be at least 1")
	}
	if c.Scene.Updates < 0 {
		return errors.New("scene.updates must not be negative")
	}
	return nil
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// BottomLevelFlags returns the flags for bottom-level builds.
func (c *Config) BottomLevelFlags() gpucore.BuildFlags {
	flags := gpucore.BuildFlagPreferFastTrace
	if c.Build.FastBuild {
		flags = gpucore.BuildFlagPreferFastBuild
	}
	if c.Build.Compact {
		flags |= gpucore.BuildFlagAllowCompaction
	}
	return flags
}

// TopLevelFlags returns the flags for top-level builds. Updates need
// AllowUpdate.
func (c *Config) TopLevelFlags() gpucore.BuildFlags {
	flags := gpucore.BuildFlagPreferFastTrace
	if c.Scene.Updates > 0 {
		flags |= gpucore.BuildFlagAllowUpdate
	}
	return flags
}
