package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/dnnsupport/fixtures"
)

// Environment overrides for the DNN flags. Each takes a value accepted by
// strconv.ParseBool.
const (
	EnvReturnBestAlgoOnly = "TF_ROCM_RETURN_BEST_ALGO_ONLY"
	EnvUseImmediateMode   = "TF_ROCM_USE_IMMEDIATE_MODE"
	EnvPoolingCache       = "TF_ROCM_BW_POOL_CACHE"
)

type PoolingCache struct {
	Enabled bool `yaml:"enabled"`
	// MemoryBudget is the number of workspace bytes retained before the
	// cache starts evicting.
	MemoryBudget uint64 `yaml:"memoryBudget"`
	TrimSize     int    `yaml:"trimSize"`
	MinEntries   int    `yaml:"minEntries"`
}

type DNN struct {
	ReturnBestAlgoOnly bool         `yaml:"returnBestAlgoOnly"`
	UseImmediateMode   bool         `yaml:"useImmediateMode"`
	PoolingCache       PoolingCache `yaml:"poolingCache"`
}

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	DNN     DNN `yaml:"dnn"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.DNN.PoolingCache = PoolingCache{
		MemoryBudget: 2e9,
		TrimSize:     1000,
		MinEntries:   10,
	}
	return &c
}

// LoadConfig reads path over the defaults, so keys missing from the file
// keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyEnv overrides the DNN flags from the environment. Unset variables
// leave the current value alone.
func (c *Config) ApplyEnv() error {
	for _, v := range []struct {
		name string
		dst  *bool
	}{
		{EnvReturnBestAlgoOnly, &c.DNN.ReturnBestAlgoOnly},
		{EnvUseImmediateMode, &c.DNN.UseImmediateMode},
		{EnvPoolingCache, &c.DNN.PoolingCache.Enabled},
	} {
		raw, ok := os.LookupEnv(v.name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return errors.Wrapf(err, "invalid value for %s", v.name)
		}
		*v.dst = b
	}
	return nil
}

// WriteDefault writes the default configuration template to path.
func WriteDefault(path string) error {
	return os.WriteFile(path, fixtures.ConfigTemplate, 0o644)
}
