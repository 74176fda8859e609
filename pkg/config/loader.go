package config

import (
	"fmt"
	"os"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: CTDRR_PROJECTION__N_ANGLES=5.
const EnvPrefix = "CTDRR_"

// Config file names looked up in the working directory when no explicit path
// is given.
const (
	ConfigFileName    = "ctdrr.yaml"
	ConfigFileNameAlt = "ctdrr.yml"
)

// flagKeys maps CLI flag names onto config keys. Flags not listed here are
// never loaded into the configuration.
var flagKeys = map[string]string{
	"input":         "paths.input_dir",
	"output":        "paths.output_dir",
	"spacing":       "preprocessing.target_spacing",
	"mode":          "projection.mode",
	"sdd":           "projection.sdd",
	"sod":           "projection.sod",
	"n-angles":      "projection.n_angles",
	"end-angle":     "projection.end_angle",
	"rotation-axis": "projection.rotation_axis",
	"padding":       "detector.padding",
	"png":           "output.write_png",
	"ct-previews":   "output.write_ct_previews",
	"ledger":        "output.ledger_path",
	"log-level":     "logging.level",
}

// findConfigFile returns explicit if set, otherwise the first default config
// file present in the working directory, otherwise "".
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Load builds a finalized configuration.
// Precedence (highest to lowest): flags > env vars > config file > defaults
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	defaults, err := defaultsMap()
	if err != nil {
		return nil, err
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if path := findConfigFile(configPath); path != "" {
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// 3. Environment
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags, only those explicitly set
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// envKey turns CTDRR_PROJECTION__N_ANGLES into projection.n_angles.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// defaultsMap renders DefaultConfig as a nested map keyed by yaml tags.
func defaultsMap() (map[string]interface{}, error) {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to render defaults: %w", err)
	}
	var m map[string]interface{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to render defaults: %w", err)
	}
	return m, nil
}
