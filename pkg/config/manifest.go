package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Manifest lists adapters served by out-of-process connectors.
//
//	internal_token: change-me
//	adapters:
//	  - service: notion
//	    url: http://connector-notion:8082
//	    timeout: 20s
//	    guard: {rate_per_second: 3, burst: 3}
//	    actions:
//	      - name: create_page
//	        params:
//	          - {name: title, type: string, required: true}
type Manifest struct {
	InternalToken string          `mapstructure:"internal_token"`
	Adapters      []RemoteAdapter `mapstructure:"adapters"`
}

type RemoteAdapter struct {
	Service string         `mapstructure:"service"`
	URL     string         `mapstructure:"url"`
	Timeout time.Duration  `mapstructure:"timeout"`
	Guard   *GuardSettings `mapstructure:"guard"`
	Actions []ActionEntry  `mapstructure:"actions"`
}

type GuardSettings struct {
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	TripAfter     uint32        `mapstructure:"trip_after"`
	OpenTimeout   time.Duration `mapstructure:"open_timeout"`
}

type ActionEntry struct {
	Name        string       `mapstructure:"name"`
	Description string       `mapstructure:"description"`
	Params      []ParamEntry `mapstructure:"params"`
}

type ParamEntry struct {
	Name        string `mapstructure:"name"`
	Type        string `mapstructure:"type"`
	Required    bool   `mapstructure:"required"`
	Description string `mapstructure:"description"`
}

// LoadManifest reads a YAML, JSON or TOML manifest. Scalar keys can be
// overridden from the environment with the CONDUIT_ prefix, e.g.
// CONDUIT_INTERNAL_TOKEN.
func LoadManifest(path string) (*Manifest, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CONDUIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("internal_token"); err != nil {
		return nil, fmt.Errorf("config.LoadManifest bind env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config.LoadManifest read %s: %w", path, err)
	}
	var m Manifest
	if err := v.Unmarshal(&m); err != nil {
		return nil, fmt.Errorf("config.LoadManifest decode %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("config.LoadManifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks that every entry names a service, a URL and at least one
// action. Duplicate services are left to the adapter registry.
func (m *Manifest) Validate() error {
	var errs []error
	for i, a := range m.Adapters {
		if a.Service == "" {
			errs = append(errs, fmt.Errorf("adapters[%d]: service is required", i))
		}
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("adapters[%d] %q: url is required", i, a.Service))
		}
		if len(a.Actions) == 0 {
			errs = append(errs, fmt.Errorf("adapters[%d] %q: no actions", i, a.Service))
		}
		for j, act := range a.Actions {
			if act.Name == "" {
				errs = append(errs, fmt.Errorf("adapters[%d] %q: actions[%d]: name is required", i, a.Service, j))
			}
		}
	}
	return errors.Join(errs...)
}
