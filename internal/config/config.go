// Package config loads the buffer pool's runtime configuration from an
// optional YAML file plus BPM_-prefixed environment overrides, the same
// viper-based pattern used for configuration elsewhere in this codebase.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/tuannm99/bpm/internal/bufferpool"
)

// Config is the buffer pool's full runtime configuration surface.
type Config struct {
	Pool struct {
		NumFrames       int    `mapstructure:"num_frames"`
		NumInitialPages int    `mapstructure:"num_initial_pages"`
		BackingFilePath string `mapstructure:"backing_file_path"`
	} `mapstructure:"pool"`

	IOEngine struct {
		QueueDepth uint32 `mapstructure:"queue_depth"`
	} `mapstructure:"io_engine"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("pool.num_frames", 1024)
	v.SetDefault("pool.num_initial_pages", 1024)
	v.SetDefault("pool.backing_file_path", "bpm.dat")
	v.SetDefault("io_engine.queue_depth", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from path if non-empty, applying defaults for
// anything the file and environment don't set. Environment variables of
// the form BPM_POOL_NUM_FRAMES override the corresponding nested key.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("bpm")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// BufferPoolConfig projects Config down to the fields bufferpool.Open
// actually needs.
func (c *Config) BufferPoolConfig() bufferpool.Config {
	return bufferpool.Config{
		NumFrames:       c.Pool.NumFrames,
		BackingFilePath: c.Pool.BackingFilePath,
		NumInitialPages: c.Pool.NumInitialPages,
		IOQueueDepth:    c.IOEngine.QueueDepth,
	}
}
