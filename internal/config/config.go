package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Option func(v *viper.Viper) error

// WithEnvAlias lets key be set by any of the given env variables, on top
// of the name derived from the key itself. The first one set wins.
func WithEnvAlias(key string, envs ...string) Option {
	return func(v *viper.Viper) error {
		derived := strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		return v.BindEnv(append([]string{key, derived}, envs...)...)
	}
}

// Load config into the config struct, config must be a pointer to the config struct.
// Values already set in config are the defaults. They are overridden by the
// file (if file is not empty), then by the environment.
func Load(file string, config any, opts ...Option) error {
	v := viper.New()
	m := make(map[string]any)

	if err := mapstructure.Decode(config, &m); err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}

	if err := v.MergeConfigMap(m); err != nil {
		return fmt.Errorf("merge config map: %v", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return fmt.Errorf("apply option: %v", err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("read config from file %s: %v", file, err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}
