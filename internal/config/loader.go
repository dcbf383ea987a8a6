package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"staged/internal/device"
)

// Config holds the parameters of a staged txt2img run.
// Keys match the CLI flags with dashes replaced by underscores.
type Config struct {
	Prompt    string `mapstructure:"prompt"`
	FromFile  string `mapstructure:"from_file"`
	Outdir    string `mapstructure:"outdir"`
	SkipGrid  bool   `mapstructure:"skip_grid"`
	SkipSave  bool   `mapstructure:"skip_save"`
	Catalog   string `mapstructure:"catalog"`
	Ckpt      string `mapstructure:"ckpt"`
	FixedCode bool   `mapstructure:"fixed_code"`

	Steps    int     `mapstructure:"ddim_steps"`
	Eta      float64 `mapstructure:"ddim_eta"`
	Scale    float64 `mapstructure:"scale"`
	Iter     int     `mapstructure:"n_iter"`
	Samples  int     `mapstructure:"n_samples"`
	Rows     int     `mapstructure:"n_rows"`
	Height   int     `mapstructure:"h"`
	Width    int     `mapstructure:"w"`
	Channels int     `mapstructure:"c"`
	Factor   int     `mapstructure:"f"`
	Seed     uint64  `mapstructure:"seed"`

	Device          string        `mapstructure:"device"`
	SimCapacityMB   uint64        `mapstructure:"sim_capacity_mb"`
	SimReclaimDelay time.Duration `mapstructure:"sim_reclaim_delay"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxWait         time.Duration `mapstructure:"max_wait"`
	PeakBudgetMB    uint64        `mapstructure:"peak_budget_mb"`
	Overlap         bool          `mapstructure:"overlap"`

	StatusAddr  string   `mapstructure:"status_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	LogLevel    string   `mapstructure:"log_level"`
	LogFormat   string   `mapstructure:"log_format"`
}

// Defaults mirrors the txt2img script's command line defaults.
func Defaults() Config {
	return Config{
		Prompt:       "a painting of a virus monster playing guitar",
		Outdir:       "outputs/txt2img-samples",
		Steps:        50,
		Eta:          0,
		Scale:        7.5,
		Iter:         1,
		Samples:      1,
		Height:       512,
		Width:        512,
		Channels:     4,
		Factor:       8,
		Seed:         42,
		Device:       "sim",
		PollInterval: 50 * time.Millisecond,
		MaxWait:      30 * time.Second,
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

// Load reads a configuration file based on its extension and overlays it on
// Defaults(). Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	raw := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &raw); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &raw); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err := Decode(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// Decode applies raw key/value settings onto cfg. Durations may be given as
// strings such as "250ms"; unknown keys are an error.
func Decode(raw map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// GridRows is the number of images per grid row.
func (c Config) GridRows() int {
	if c.Rows > 0 {
		return c.Rows
	}
	return c.Samples
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Prompt != "" || c.FromFile != "", "prompt or from_file is required")
	check(c.Outdir != "", "outdir is required")
	check(c.Steps > 0, "ddim_steps must be positive, got %d", c.Steps)
	check(c.Eta >= 0, "ddim_eta must be non-negative, got %g", c.Eta)
	check(!math.IsNaN(c.Scale) && !math.IsInf(c.Scale, 0), "scale must be finite")
	check(c.Iter > 0, "n_iter must be positive, got %d", c.Iter)
	check(c.Samples > 0, "n_samples must be positive, got %d", c.Samples)
	check(c.Rows >= 0, "n_rows must be non-negative, got %d", c.Rows)
	check(c.Channels > 0, "C must be positive, got %d", c.Channels)
	check(c.Factor > 0, "f must be positive, got %d", c.Factor)
	check(c.Height > 0 && c.Width > 0, "H and W must be positive, got %dx%d", c.Height, c.Width)
	if c.Factor > 0 {
		check(c.Height%c.Factor == 0 && c.Width%c.Factor == 0, "H and W must be multiples of f=%d, got %dx%d", c.Factor, c.Height, c.Width)
	}
	check(c.PollInterval > 0, "poll_interval must be positive")
	check(c.MaxWait >= c.PollInterval, "max_wait must be at least poll_interval")
	check(!c.Overlap || c.PeakBudgetMB > 0, "overlap requires peak_budget_mb")
	if _, err := device.ParseID(c.Device); err != nil {
		errs = append(errs, err)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	check(c.LogFormat == "json" || c.LogFormat == "console", "log_format must be json or console, got %q", c.LogFormat)
	return errors.Join(errs...)
}
