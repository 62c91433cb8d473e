package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix selects the environment overrides: BOT_BROKER__URL sets broker.url.
const EnvPrefix = "BOT_"

// Load reads path (defaults only when empty), applies LOG_LEVEL and BOT_
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		data = b
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.App.LogLevel = strings.ToLower(lvl)
	}
	if err := ApplyEnvOverride(cfg, EnvPrefix); err != nil {
		return nil, fmt.Errorf("env override: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml decode: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// ApplyEnvOverride loads variables starting with prefix into cfg. A double
// underscore separates levels, a single one stays part of the key:
// BOT_QUOTES__CACHE__REDIS_ADDR -> quotes.cache.redis_addr.
func ApplyEnvOverride(cfg *Config, prefix string) error {
	k := koanf.New(".")
	mapper := func(s string) string {
		s = strings.TrimPrefix(s, prefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := k.Load(env.Provider(prefix, ".", mapper), nil); err != nil {
		return err
	}
	return k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"})
}
