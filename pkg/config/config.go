// Package config 从 YAML 文件加载 minidb 的配置，缺省的字段使用默认值
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"minidb/pkg/logger"
	"minidb/pkg/telemetry"
)

const (
	ReplacerLRUK = "lru-k"
	ReplacerLRU  = "lru"

	MaxValueSize = 1024
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	DataFile  string           `yaml:"data_file"`
	Listen    string           `yaml:"listen"`
	Buffer    BufferConfig     `yaml:"buffer"`
	Index     IndexConfig      `yaml:"index"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type BufferConfig struct {
	PoolSize int `yaml:"pool_size"`
	// Replacer: lru-k 或 lru
	Replacer   string `yaml:"replacer"`
	ReplacerK  int    `yaml:"replacer_k"`
	BucketSize int    `yaml:"bucket_size"`
}

type IndexConfig struct {
	// 为 0 时使用一页能容纳的最大值
	LeafMaxSize     int `yaml:"leaf_max_size"`
	InternalMaxSize int `yaml:"internal_max_size"`
	// ValueSize 是 value 的定长宽度，短的 value 补 0
	ValueSize int `yaml:"value_size"`
}

func Default() *Config {
	return &Config{
		DataFile: "./minidb_data/minidb.db",
		Listen:   ":8888",
		Buffer: BufferConfig{
			PoolSize:   100,
			Replacer:   ReplacerLRUK,
			ReplacerK:  2,
			BucketSize: 50,
		},
		Index: IndexConfig{
			ValueSize: 100,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "minidb",
			PrometheusPort:   9090,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load 读取 path 并覆盖默认值，path 为空时直接返回默认配置
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.DataFile == "":
		return fmt.Errorf("%w: data_file is empty", ErrInvalidConfig)
	case c.Buffer.PoolSize <= 0:
		return fmt.Errorf("%w: buffer.pool_size must be positive, got %d", ErrInvalidConfig, c.Buffer.PoolSize)
	case c.Buffer.Replacer != ReplacerLRUK && c.Buffer.Replacer != ReplacerLRU:
		return fmt.Errorf("%w: unknown buffer.replacer %q", ErrInvalidConfig, c.Buffer.Replacer)
	case c.Buffer.ReplacerK <= 0:
		return fmt.Errorf("%w: buffer.replacer_k must be positive, got %d", ErrInvalidConfig, c.Buffer.ReplacerK)
	case c.Buffer.BucketSize <= 0:
		return fmt.Errorf("%w: buffer.bucket_size must be positive, got %d", ErrInvalidConfig, c.Buffer.BucketSize)
	case c.Index.LeafMaxSize < 0 || c.Index.InternalMaxSize < 0:
		return fmt.Errorf("%w: index max sizes must not be negative", ErrInvalidConfig)
	case c.Index.ValueSize <= 0 || c.Index.ValueSize > MaxValueSize:
		return fmt.Errorf("%w: index.value_size must be in [1, %d], got %d", ErrInvalidConfig, MaxValueSize, c.Index.ValueSize)
	}
	return nil
}
