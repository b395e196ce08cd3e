// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Scan         ScanConfig         `mapstructure:"scan"`
	Step         StepConfig         `mapstructure:"step"`
	Classifier   ClassifierConfig   `mapstructure:"classifier"`
	Validator    ValidatorConfig    `mapstructure:"validator"`
	Decompressor DecompressorConfig `mapstructure:"decompressor"`
	Store        StoreConfig        `mapstructure:"store"`
	Checkpoint   CheckpointConfig   `mapstructure:"checkpoint"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// ScanConfig defines the scan request and engine sizing.
// Offsets accept hex strings such as "0x8000".
type ScanConfig struct {
	ROM              string  `mapstructure:"rom"`
	Workers          int     `mapstructure:"workers"` // 0 = number of CPUs
	Start            uint32  `mapstructure:"start"`
	End              uint32  `mapstructure:"end"` // 0 = end of ROM
	StepHint         uint32  `mapstructure:"step_hint"`
	QualityThreshold float32 `mapstructure:"quality_threshold"`
	MaxOutput        uint32  `mapstructure:"max_output"` // Decompression bound per offset
	ChunksPerWorker  int     `mapstructure:"chunks_per_worker"`
	OverlapMargin    uint32  `mapstructure:"overlap_margin"`
	FillProbe        int     `mapstructure:"fill_probe"` // 0 disables the constant-fill pre-check
	Resume           bool    `mapstructure:"resume"`
	Mmap             bool    `mapstructure:"mmap"`
}

// StepConfig defines the adaptive step growth.
type StepConfig struct {
	GrowAfter uint32 `mapstructure:"grow_after"` // Consecutive misses before the step grows
	Growth    uint32 `mapstructure:"growth"`
	MaxStep   uint32 `mapstructure:"max_step"`
}

// ClassifierConfig defines padding detection.
type ClassifierConfig struct {
	BlockSize        uint32  `mapstructure:"block_size"`
	PaddingThreshold float64 `mapstructure:"padding_threshold"`
	MaxDistinct      int     `mapstructure:"max_distinct"`
}

// ValidatorConfig defines the quality score weights.
type ValidatorConfig struct {
	CoverageLow     float64 `mapstructure:"coverage_low"`
	CoverageHigh    float64 `mapstructure:"coverage_high"`
	DiversityTarget int     `mapstructure:"diversity_target"`
	CoverageWeight  float64 `mapstructure:"coverage_weight"`
	DiversityWeight float64 `mapstructure:"diversity_weight"`
	RepeatPenalty   float64 `mapstructure:"repeat_penalty"`
}

// DecompressorConfig selects the decompression adapter.
type DecompressorConfig struct {
	Type    string        `mapstructure:"type"`    // "hal", "external"
	Tool    string        `mapstructure:"tool"`    // Binary path if Type is "external"
	Args    []string      `mapstructure:"args"`    // {input}, {offset} (hex), {output} placeholders
	Timeout time.Duration `mapstructure:"timeout"` // Per call
}

// StoreConfig defines where scan progress is persisted.
type StoreConfig struct {
	Type   string `mapstructure:"type"`   // "memory", "file", "sql"
	Path   string `mapstructure:"path"`   // Directory for "file", database file for "sql"
	Driver string `mapstructure:"driver"` // "sqlite" or "sqlite3" for "sql"
}

// CheckpointConfig defines when progress is saved during a scan.
type CheckpointConfig struct {
	Every    int    `mapstructure:"every"`    // Completed chunks between checkpoints
	Schedule string `mapstructure:"schedule"` // cron spec, e.g. "@every 10s"; empty disables
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-file":     "log.file",
	"workers":      "scan.workers",
	"start":        "scan.start",
	"end":          "scan.end",
	"step":         "scan.step_hint",
	"threshold":    "scan.quality_threshold",
	"max-output":   "scan.max_output",
	"resume":       "scan.resume",
	"mmap":         "scan.mmap",
	"decompressor": "decompressor.type",
	"tool":         "decompressor.tool",
	"store":        "store.type",
	"store-path":   "store.path",
}

// LoadConfig loads configuration from file, environment (SPRITESCAN_*) and
// the given flags, in increasing priority. flags may be nil.
func LoadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/spritescan/")
		v.AddConfigPath("$HOME/.spritescan")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix("SPRITESCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := fixup(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("scan.rom", "")
	v.SetDefault("scan.workers", 0)
	v.SetDefault("scan.start", 0)
	v.SetDefault("scan.end", 0)
	v.SetDefault("scan.step_hint", 1)
	v.SetDefault("scan.quality_threshold", 0.3)
	v.SetDefault("scan.max_output", 8192)
	v.SetDefault("scan.chunks_per_worker", 4)
	v.SetDefault("scan.overlap_margin", 2047)
	v.SetDefault("scan.fill_probe", 8)
	v.SetDefault("scan.resume", true)
	v.SetDefault("scan.mmap", true)

	v.SetDefault("step.grow_after", 8)
	v.SetDefault("step.growth", 2)
	v.SetDefault("step.max_step", 64)

	v.SetDefault("classifier.block_size", 4096)
	v.SetDefault("classifier.padding_threshold", 0.97)
	v.SetDefault("classifier.max_distinct", 4)

	v.SetDefault("validator.coverage_low", 0.10)
	v.SetDefault("validator.coverage_high", 0.85)
	v.SetDefault("validator.diversity_target", 8)
	v.SetDefault("validator.coverage_weight", 0.5)
	v.SetDefault("validator.diversity_weight", 0.5)
	v.SetDefault("validator.repeat_penalty", 0.75)

	v.SetDefault("decompressor.type", "hal")
	v.SetDefault("decompressor.tool", "exhal")
	v.SetDefault("decompressor.args", []string{})
	v.SetDefault("decompressor.timeout", 2*time.Second)

	v.SetDefault("store.type", "file")
	v.SetDefault("store.path", "")
	v.SetDefault("store.driver", "sqlite")

	v.SetDefault("checkpoint.every", 8)
	v.SetDefault("checkpoint.schedule", "@every 10s")
}

func fixup(c *Config) error {
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Decompressor.Type = strings.ToLower(c.Decompressor.Type)
	c.Store.Type = strings.ToLower(c.Store.Type)

	if c.Scan.Workers <= 0 {
		c.Scan.Workers = runtime.NumCPU()
	}
	if c.Scan.StepHint == 0 {
		c.Scan.StepHint = 1
	}
	if c.Scan.ChunksPerWorker <= 0 {
		c.Scan.ChunksPerWorker = 1
	}
	if c.Scan.QualityThreshold < 0 || c.Scan.QualityThreshold > 1 {
		return fmt.Errorf("quality threshold %v out of range [0, 1]", c.Scan.QualityThreshold)
	}
	if c.Scan.MaxOutput == 0 {
		return fmt.Errorf("max output must be positive")
	}
	if c.Scan.End != 0 && c.Scan.End <= c.Scan.Start {
		return fmt.Errorf("scan end %#x must be above start %#x", c.Scan.End, c.Scan.Start)
	}
	if c.Step.Growth < 1 {
		c.Step.Growth = 1
	}
	if c.Step.MaxStep < c.Scan.StepHint {
		c.Step.MaxStep = c.Scan.StepHint
	}
	if c.Classifier.BlockSize == 0 {
		return fmt.Errorf("classifier block size must be positive")
	}
	if c.Classifier.PaddingThreshold <= 0 || c.Classifier.PaddingThreshold > 1 {
		return fmt.Errorf("padding threshold %v out of range (0, 1]", c.Classifier.PaddingThreshold)
	}

	switch c.Decompressor.Type {
	case "hal":
	case "external":
		if c.Decompressor.Tool == "" {
			return fmt.Errorf("external decompressor requires a tool path")
		}
	default:
		return fmt.Errorf("unknown decompressor type %q", c.Decompressor.Type)
	}

	switch c.Store.Type {
	case "memory":
	case "file":
		if c.Store.Path == "" {
			c.Store.Path = ".spritescan"
		}
	case "sql":
		if c.Store.Path == "" {
			c.Store.Path = "spritescan.db"
		}
		if c.Store.Driver == "" {
			c.Store.Driver = "sqlite"
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}

	if c.Checkpoint.Every < 0 {
		c.Checkpoint.Every = 0
	}
	if c.Checkpoint.Schedule != "" {
		if _, err := cron.ParseStandard(c.Checkpoint.Schedule); err != nil {
			return fmt.Errorf("invalid checkpoint schedule %q: %w", c.Checkpoint.Schedule, err)
		}
	}
	return nil
}
